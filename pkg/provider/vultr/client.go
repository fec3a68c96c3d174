package vultr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.vultr.com/v2"

	// userAgent identifies this client to the Vultr API.
	userAgent = "external-dns-vultr/" + version

	// placeholderIP seeds newly created domains; the Vultr API requires an
	// address value on zone creation. TEST-NET-1, never routable, replaced
	// by subsequent record operations.
	placeholderIP = "192.0.2.1"
)

const version = "0.1.0"

// Sentinel errors for the HTTP statuses callers branch on.
var (
	ErrUnauthorized = errors.New("vultr: unauthorized")
	ErrForbidden    = errors.New("vultr: forbidden")
	ErrNotFound     = errors.New("vultr: not found")
)

// APIError is an unclassified non-2xx response. It is propagated unmodified:
// not retried, not recovered.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vultr: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Zone is the Vultr domain descriptor.
type Zone struct {
	Domain      string `json:"domain"`
	DateCreated string `json:"date_created,omitempty"`
	DNSSec      string `json:"dns_sec,omitempty"`
}

// Record is the Vultr wire representation of a single DNS record value.
// Name is zone-relative; the apex is the empty string (Vultr's "@" marker is
// normalized away by ListRecords). Data is a type-dependent string encoding
// that may pack several sub-fields (SRV, CAA). Priority is meaningful only
// for MX and SRV records; Vultr reports -1 elsewhere.
type Record struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Data     string `json:"data"`
	Priority int    `json:"priority"`
	TTL      int64  `json:"ttl"`
}

// Client is a stateless-per-call façade over the Vultr zone and record
// endpoints, authenticated with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a Client authenticated with token.
func NewClient(token string) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do executes one API request, maps error statuses to the client's error
// taxonomy, and decodes the response body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vultr: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("vultr: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vultr: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vultr: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// GetZone fetches the zone descriptor for name. Absence is a result, not an
// error: a 404 from the API returns (nil, nil).
func (c *Client) GetZone(ctx context.Context, name string) (*Zone, error) {
	var out struct {
		Domain Zone `json:"domain"`
	}
	err := c.do(ctx, http.MethodGet, "/domains/"+name, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out.Domain, nil
}

// CreateZone creates the zone, seeding it with the documented placeholder
// address the API requires.
func (c *Client) CreateZone(ctx context.Context, name string) (*Zone, error) {
	body := struct {
		Domain string `json:"domain"`
		IP     string `json:"ip"`
	}{Domain: name, IP: placeholderIP}

	var out struct {
		Domain Zone `json:"domain"`
	}
	if err := c.do(ctx, http.MethodPost, "/domains", body, &out); err != nil {
		return nil, err
	}
	return &out.Domain, nil
}

// ListRecords fetches all records for domain, normalizing Vultr's "@" apex
// marker to the empty string so downstream logic has one apex representation.
// A missing zone surfaces as ErrNotFound.
//
// Pagination meta in the response is not followed; a single page is read, as
// the upstream API returns the full set for zones of ordinary size.
func (c *Client) ListRecords(ctx context.Context, domain string) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/domains/"+domain+"/records", nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Records {
		if out.Records[i].Name == "@" {
			out.Records[i].Name = ""
		}
	}
	return out.Records, nil
}

// createRecordRequest is the POST body for record creation. TTL is omitted
// when zero (the provider default applies); Priority is sent only for the
// record types that use it.
type createRecordRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Data     string `json:"data"`
	TTL      int64  `json:"ttl,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// CreateRecord creates one record in domain. An empty name denotes the apex
// and is mapped back to "@" on the wire. priority is included only when
// recordType is MX or SRV.
func (c *Client) CreateRecord(ctx context.Context, domain, name, recordType, data string, ttl int64, priority int) error {
	body := createRecordRequest{
		Name: name,
		Type: recordType,
		Data: data,
		TTL:  ttl,
	}
	if body.Name == "" {
		body.Name = "@"
	}
	if recordType == "MX" || recordType == "SRV" {
		p := priority
		body.Priority = &p
	}
	return c.do(ctx, http.MethodPost, "/domains/"+domain+"/records", body, nil)
}

// DeleteRecord deletes one record by its provider-assigned id.
func (c *Client) DeleteRecord(ctx context.Context, domain, id string) error {
	return c.do(ctx, http.MethodDelete, "/domains/"+domain+"/records/"+id, nil, nil)
}
