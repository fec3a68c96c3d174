// Package vultr implements a DNS provider backed by the Vultr HTTP API.
//
// The Vultr API stores one record per value, with type-specific packed string
// encodings; this package translates between that flat representation and the
// grouped, multi-value endpoint model, and applies change sets with
// delete-then-recreate update semantics (the API has no atomic update).
package vultr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miekg/dns"

	"github.com/bkero/external-dns-vultr/pkg/endpoint"
	"github.com/bkero/external-dns-vultr/pkg/plan"
)

// vultrAPI abstracts the Client for testability.
type vultrAPI interface {
	GetZone(ctx context.Context, name string) (*Zone, error)
	CreateZone(ctx context.Context, name string) (*Zone, error)
	ListRecords(ctx context.Context, domain string) ([]Record, error)
	CreateRecord(ctx context.Context, domain, name, recordType, data string, ttl int64, priority int) error
	DeleteRecord(ctx context.Context, domain, id string) error
}

// Config holds all Vultr provider configuration.
type Config struct {
	// Token is the Vultr API bearer token.
	Token string
	// Zone is the managed zone name (trailing dot optional).
	Zone string
	// MinTTL, when > 0, is enforced on all created records.
	MinTTL int64
}

// Provider implements provider.Provider against the Vultr DNS API for one
// zone. It keeps per-zone record and metadata caches for the lifetime of the
// instance, invalidated after every apply. The caches are not synchronized:
// concurrent Records/ApplyChanges calls must be serialized by the caller.
type Provider struct {
	cfg  Config
	zone string // normalized, no trailing dot
	api  vultrAPI
	log  *slog.Logger

	zoneRecords map[string][]Record
	zoneMeta    map[string]*Zone
}

// New returns a configured Vultr Provider.
func New(cfg Config, log *slog.Logger) *Provider {
	return newWithAPI(cfg, log, NewClient(cfg.Token))
}

// newWithAPI constructs a Provider with an injected API client for testing.
func newWithAPI(cfg Config, log *slog.Logger, api vultrAPI) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		cfg:         cfg,
		zone:        strings.TrimSuffix(cfg.Zone, "."),
		api:         api,
		log:         log,
		zoneRecords: make(map[string][]Record),
		zoneMeta:    make(map[string]*Zone),
	}
}

// Zone returns the managed zone name without trailing dot.
func (p *Provider) Zone() string {
	return p.zone
}

// Preflight validates the API token by fetching the configured zone's
// metadata. A missing zone is fine (it will be created on first apply); auth
// and transport failures are returned.
func (p *Provider) Preflight(ctx context.Context) error {
	if _, err := p.zoneMetadata(ctx); err != nil {
		return fmt.Errorf("preflight zone lookup for %s: %w", p.zone, err)
	}
	return nil
}

// zoneMetadata returns the zone descriptor, nil when the zone does not exist.
// The result is cached for the provider's lifetime until invalidated.
func (p *Provider) zoneMetadata(ctx context.Context) (*Zone, error) {
	if z, ok := p.zoneMeta[p.zone]; ok {
		return z, nil
	}
	z, err := p.api.GetZone(ctx, p.zone)
	if err != nil {
		return nil, err
	}
	if z != nil {
		p.zoneMeta[p.zone] = z
	}
	return z, nil
}

// fetchRecords returns the zone's raw records and whether the zone exists
// remotely, caching the fetched list.
func (p *Provider) fetchRecords(ctx context.Context) ([]Record, bool, error) {
	if recs, ok := p.zoneRecords[p.zone]; ok {
		return recs, true, nil
	}
	recs, err := p.api.ListRecords(ctx, p.zone)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.zoneRecords[p.zone] = recs
	return recs, true, nil
}

// invalidate drops the zone's cached records and metadata, forcing a re-fetch
// on the next read.
func (p *Provider) invalidate() {
	delete(p.zoneRecords, p.zone)
	delete(p.zoneMeta, p.zone)
}

// groupKey identifies one generic record: all provider records sharing it
// collapse into a single endpoint.
type groupKey struct {
	name       string
	recordType string
}

// Records fetches the zone's records and decodes them into endpoints,
// grouping the provider's per-value records by (name, type). A zone that does
// not exist remotely yields an empty result, not an error. Unsupported record
// types are skipped with a warning.
func (p *Provider) Records(ctx context.Context) ([]*endpoint.Endpoint, error) {
	recs, exists, err := p.fetchRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", p.zone, err)
	}
	if !exists {
		p.log.Info("zone does not exist remotely", "zone", p.zone)
		return nil, nil
	}

	// Group by (name, type), preserving the order records were received in.
	var order []groupKey
	groups := make(map[groupKey][]Record)
	for _, r := range recs {
		if !Supports(r.Type) {
			p.log.Warn("skipping unsupported record type", "zone", p.zone, "type", r.Type, "name", r.Name)
			continue
		}
		key := groupKey{name: r.Name, recordType: r.Type}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	endpoints := make([]*endpoint.Endpoint, 0, len(order))
	for _, key := range order {
		c := codecs[key.recordType]
		ep, dropped := c.decode(p.fqdn(key.name), groups[key])
		if dropped > 0 {
			p.log.Warn("dropped malformed record data",
				"zone", p.zone, "type", key.recordType, "name", key.name, "dropped", dropped)
			malformedDropped.WithLabelValues(key.recordType).Add(float64(dropped))
		}
		endpoints = append(endpoints, ep)
	}

	p.log.Debug("fetched records", "zone", p.zone, "endpoints", len(endpoints))
	return endpoints, nil
}

// ApplyChanges applies the change set to the zone, creating the zone first if
// it does not exist. Updates are delete-then-recreate: the API has no atomic
// record update, so a mid-sequence transport failure can leave the zone in a
// mixed state. The record cache is invalidated on completion, success or
// failure.
func (p *Provider) ApplyChanges(ctx context.Context, changes *plan.Changes) error {
	if changes.IsEmpty() {
		return nil
	}

	meta, err := p.zoneMetadata(ctx)
	if err != nil {
		return fmt.Errorf("zone lookup for %s: %w", p.zone, err)
	}
	if meta == nil {
		p.log.Info("zone absent, creating", "zone", p.zone)
		z, err := p.api.CreateZone(ctx, p.zone)
		if err != nil {
			return fmt.Errorf("create zone %s: %w", p.zone, err)
		}
		p.zoneMeta[p.zone] = z
	}

	defer p.invalidate()

	applied := 0
	for _, ep := range changes.Delete {
		if err := p.applyDelete(ctx, ep); err != nil {
			return err
		}
		applied++
	}
	for i, old := range changes.UpdateOld {
		// Delete-then-recreate; never an in-place modify.
		if err := p.applyDelete(ctx, old); err != nil {
			return err
		}
		if i < len(changes.UpdateNew) {
			if err := p.applyCreate(ctx, changes.UpdateNew[i]); err != nil {
				return err
			}
		}
		applied++
	}
	for _, ep := range changes.Create {
		if err := p.applyCreate(ctx, ep); err != nil {
			return err
		}
		applied++
	}

	p.log.Info("applied changes", "zone", p.zone, "changes", applied)
	return nil
}

// applyCreate encodes the endpoint's values and issues one create call per
// resulting payload.
func (p *Provider) applyCreate(ctx context.Context, ep *endpoint.Endpoint) error {
	c, ok := codecs[ep.RecordType]
	if !ok {
		return fmt.Errorf("unsupported record type %q for %s", ep.RecordType, ep.DNSName)
	}
	ttl := p.effectiveTTL(ep.TTL)
	for _, params := range c.encode(ep, p.relative(ep.DNSName)) {
		if err := p.api.CreateRecord(ctx, p.zone, params.Name, params.Type, params.Data, ttl, params.Priority); err != nil {
			return fmt.Errorf("create %s record %s: %w", params.Type, ep.DNSName, err)
		}
	}
	return nil
}

// applyDelete deletes every cached provider record matching the endpoint's
// (name, type).
func (p *Provider) applyDelete(ctx context.Context, ep *endpoint.Endpoint) error {
	recs, _, err := p.fetchRecords(ctx)
	if err != nil {
		return fmt.Errorf("list records for %s: %w", p.zone, err)
	}
	name := p.relative(ep.DNSName)
	for _, r := range recs {
		if r.Name == name && r.Type == ep.RecordType {
			if err := p.api.DeleteRecord(ctx, p.zone, r.ID); err != nil {
				return fmt.Errorf("delete %s record %s (id %s): %w", r.Type, ep.DNSName, r.ID, err)
			}
		}
	}
	return nil
}

// effectiveTTL returns the TTL to use, enforcing MinTTL when configured.
func (p *Provider) effectiveTTL(ttl int64) int64 {
	if p.cfg.MinTTL > 0 && ttl < p.cfg.MinTTL {
		return p.cfg.MinTTL
	}
	return ttl
}

// fqdn joins a zone-relative name ("" for the apex) into a fully-qualified
// name without trailing dot.
func (p *Provider) fqdn(relName string) string {
	if relName == "" {
		return p.zone
	}
	return relName + "." + p.zone
}

// relative converts a fully-qualified name back to its zone-relative form;
// the apex becomes the empty string.
func (p *Provider) relative(dnsName string) string {
	name := strings.TrimSuffix(dns.Fqdn(dnsName), ".")
	if name == p.zone {
		return ""
	}
	return strings.TrimSuffix(name, "."+p.zone)
}
