// Package endpoint defines the Endpoint type that represents a desired DNS record.
package endpoint

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// DNS record type constants.
const (
	RecordTypeA     = "A"
	RecordTypeAAAA  = "AAAA"
	RecordTypeCAA   = "CAA"
	RecordTypeCNAME = "CNAME"
	RecordTypeMX    = "MX"
	RecordTypeNS    = "NS"
	RecordTypeSRV   = "SRV"
	RecordTypeTXT   = "TXT"

	// DefaultTTL is the TTL applied when none is specified.
	DefaultTTL = int64(300)
)

// MXValue is a single mail-exchange value.
type MXValue struct {
	Preference int
	Exchange   string
}

// String returns the RFC presentation form: "<preference> <exchange>".
func (v MXValue) String() string {
	return fmt.Sprintf("%d %s", v.Preference, v.Exchange)
}

// SRVValue is a single service-locator value.
type SRVValue struct {
	Priority int
	Weight   int
	Port     int
	Target   string
}

// String returns the RFC presentation form: "<priority> <weight> <port> <target>".
func (v SRVValue) String() string {
	return fmt.Sprintf("%d %d %d %s", v.Priority, v.Weight, v.Port, v.Target)
}

// CAAValue is a single certificate-authority-authorization value.
type CAAValue struct {
	Flags int
	Tag   string
	Value string
}

// String returns the RFC presentation form: `<flags> <tag> "<value>"`.
func (v CAAValue) String() string {
	return fmt.Sprintf("%d %s %q", v.Flags, v.Tag, v.Value)
}

// Endpoint represents a desired DNS record. The RecordType tag selects which
// value field carries the record's data: Targets for A, AAAA, CNAME, NS, and
// TXT; the typed slices for MX, SRV, and CAA.
type Endpoint struct {
	// DNSName is the fully-qualified DNS name (e.g. "app.example.com").
	// The zone apex is the zone name itself.
	DNSName string
	// Targets holds string values for the simple record types.
	Targets []string
	// MX holds mail-exchange values when RecordType is MX.
	MX []MXValue
	// SRV holds service-locator values when RecordType is SRV.
	SRV []SRVValue
	// CAA holds certificate-authority values when RecordType is CAA.
	CAA []CAAValue
	// RecordType is the DNS record type.
	RecordType string
	// TTL is the time-to-live in seconds.
	TTL int64
	// Labels carries arbitrary metadata (e.g. ownership tracking).
	Labels map[string]string
}

// New returns an Endpoint for a simple (string-valued) record type with TTL
// defaulting to DefaultTTL.
func New(dnsName string, targets []string, recordType string, ttl int64, labels map[string]string) *Endpoint {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return &Endpoint{
		DNSName:    dnsName,
		Targets:    targets,
		RecordType: recordType,
		TTL:        ttl,
		Labels:     labels,
	}
}

// NewMX returns an MX Endpoint.
func NewMX(dnsName string, values []MXValue, ttl int64) *Endpoint {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Endpoint{DNSName: dnsName, MX: values, RecordType: RecordTypeMX, TTL: ttl, Labels: map[string]string{}}
}

// NewSRV returns an SRV Endpoint.
func NewSRV(dnsName string, values []SRVValue, ttl int64) *Endpoint {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Endpoint{DNSName: dnsName, SRV: values, RecordType: RecordTypeSRV, TTL: ttl, Labels: map[string]string{}}
}

// NewCAA returns a CAA Endpoint.
func NewCAA(dnsName string, values []CAAValue, ttl int64) *Endpoint {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Endpoint{DNSName: dnsName, CAA: values, RecordType: RecordTypeCAA, TTL: ttl, Labels: map[string]string{}}
}

// ValueStrings returns the endpoint's values in presentation form, one string
// per value regardless of record type. Used for logging and value comparison.
func (e *Endpoint) ValueStrings() []string {
	switch e.RecordType {
	case RecordTypeMX:
		out := make([]string, len(e.MX))
		for i, v := range e.MX {
			out[i] = v.String()
		}
		return out
	case RecordTypeSRV:
		out := make([]string, len(e.SRV))
		for i, v := range e.SRV {
			out[i] = v.String()
		}
		return out
	case RecordTypeCAA:
		out := make([]string, len(e.CAA))
		for i, v := range e.CAA {
			out[i] = v.String()
		}
		return out
	default:
		return e.Targets
	}
}

// ValueCount returns the number of values the endpoint carries.
func (e *Endpoint) ValueCount() int {
	switch e.RecordType {
	case RecordTypeMX:
		return len(e.MX)
	case RecordTypeSRV:
		return len(e.SRV)
	case RecordTypeCAA:
		return len(e.CAA)
	default:
		return len(e.Targets)
	}
}

// ValuesEqual reports whether two endpoints carry the same value set,
// ignoring order. Record types are assumed to already match.
func ValuesEqual(a, b *Endpoint) bool {
	as := sortedCopy(a.ValueStrings())
	bs := sortedCopy(b.ValueStrings())
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedCopy(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	sort.Strings(c)
	return c
}

// String returns a human-readable representation of the endpoint.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%s %s %s (TTL %d)", e.DNSName, e.RecordType, strings.Join(e.ValueStrings(), ","), e.TTL)
}

// InferRecordType returns the DNS record type inferred from target.
// A valid IPv4 address → "A", a valid IPv6 address → "AAAA", anything else → "CNAME".
func InferRecordType(target string) string {
	ip := net.ParseIP(target)
	if ip == nil {
		return RecordTypeCNAME
	}
	if ip.To4() != nil {
		return RecordTypeA
	}
	return RecordTypeAAAA
}

// ParseMX parses "preference exchange" presentation form.
func ParseMX(raw string) (MXValue, error) {
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return MXValue{}, fmt.Errorf("MX value %q: want 2 fields, got %d", raw, len(fields))
	}
	pref, err := strconv.Atoi(fields[0])
	if err != nil {
		return MXValue{}, fmt.Errorf("MX value %q: bad preference: %w", raw, err)
	}
	return MXValue{Preference: pref, Exchange: fields[1]}, nil
}

// ParseSRV parses "priority weight port target" presentation form.
func ParseSRV(raw string) (SRVValue, error) {
	fields := strings.Fields(raw)
	if len(fields) != 4 {
		return SRVValue{}, fmt.Errorf("SRV value %q: want 4 fields, got %d", raw, len(fields))
	}
	nums := make([]int, 3)
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return SRVValue{}, fmt.Errorf("SRV value %q: bad field %d: %w", raw, i, err)
		}
		nums[i] = n
	}
	return SRVValue{Priority: nums[0], Weight: nums[1], Port: nums[2], Target: fields[3]}, nil
}

// ParseCAA parses `flags tag "value"` presentation form. The value's
// surrounding quotes are optional.
func ParseCAA(raw string) (CAAValue, error) {
	fields := strings.SplitN(strings.TrimSpace(raw), " ", 3)
	if len(fields) != 3 {
		return CAAValue{}, fmt.Errorf("CAA value %q: want 3 fields, got %d", raw, len(fields))
	}
	flags, err := strconv.Atoi(fields[0])
	if err != nil {
		return CAAValue{}, fmt.Errorf("CAA value %q: bad flags: %w", raw, err)
	}
	return CAAValue{Flags: flags, Tag: fields[1], Value: strings.Trim(fields[2], `"`)}, nil
}

// NewFromRaw builds an Endpoint from raw presentation-form values, parsing
// them according to recordType. Used by sources that carry record values as
// plain strings (e.g. container labels).
func NewFromRaw(dnsName string, raws []string, recordType string, ttl int64) (*Endpoint, error) {
	switch recordType {
	case RecordTypeMX:
		values := make([]MXValue, 0, len(raws))
		for _, raw := range raws {
			v, err := ParseMX(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return NewMX(dnsName, values, ttl), nil
	case RecordTypeSRV:
		values := make([]SRVValue, 0, len(raws))
		for _, raw := range raws {
			v, err := ParseSRV(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return NewSRV(dnsName, values, ttl), nil
	case RecordTypeCAA:
		values := make([]CAAValue, 0, len(raws))
		for _, raw := range raws {
			v, err := ParseCAA(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return NewCAA(dnsName, values, ttl), nil
	case RecordTypeA, RecordTypeAAAA, RecordTypeCNAME, RecordTypeNS, RecordTypeTXT:
		return New(dnsName, raws, recordType, ttl, nil), nil
	default:
		return nil, fmt.Errorf("unsupported record type %q", recordType)
	}
}
