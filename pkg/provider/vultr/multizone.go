package vultr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bkero/external-dns-vultr/pkg/endpoint"
	"github.com/bkero/external-dns-vultr/pkg/plan"
)

// zoneEntry pairs a normalized zone name with its single-zone Provider.
type zoneEntry struct {
	zone string // no trailing dot, e.g. "example.com"
	prov *Provider
}

// MultiProvider implements provider.Provider for multiple Vultr-managed
// zones, sharing one API client and token across all of them.
type MultiProvider struct {
	zones []zoneEntry
	log   *slog.Logger
}

// NewMulti creates a MultiProvider managing the given zones with a shared
// Client authenticated by token.
func NewMulti(token string, zones []string, minTTL int64, log *slog.Logger) *MultiProvider {
	if log == nil {
		log = slog.Default()
	}
	client := NewClient(token)
	entries := make([]zoneEntry, 0, len(zones))
	for _, z := range zones {
		cfg := Config{Token: token, Zone: z, MinTTL: minTTL}
		prov := newWithAPI(cfg, log, client)
		entries = append(entries, zoneEntry{zone: prov.Zone(), prov: prov})
	}
	return &MultiProvider{zones: entries, log: log}
}

// newMultiWithAPI constructs a MultiProvider with an injected API client for
// testing.
func newMultiWithAPI(zones []string, minTTL int64, log *slog.Logger, api vultrAPI) *MultiProvider {
	if log == nil {
		log = slog.Default()
	}
	entries := make([]zoneEntry, 0, len(zones))
	for _, z := range zones {
		prov := newWithAPI(Config{Zone: z, MinTTL: minTTL}, log, api)
		entries = append(entries, zoneEntry{zone: prov.Zone(), prov: prov})
	}
	return &MultiProvider{zones: entries, log: log}
}

// Records fetches each zone's endpoints in turn and merges the results.
// Fetches are sequential: the provider issues one request at a time.
func (m *MultiProvider) Records(ctx context.Context) ([]*endpoint.Endpoint, error) {
	var all []*endpoint.Endpoint
	for _, ze := range m.zones {
		eps, err := ze.prov.Records(ctx)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", ze.zone, err)
		}
		all = append(all, eps...)
	}
	return all, nil
}

// ApplyChanges splits the change set by zone using longest-suffix matching
// and dispatches each subset to the matching sub-provider. Endpoints with no
// matching zone are logged at WARN level and skipped. Zones with no changes
// are not called.
func (m *MultiProvider) ApplyChanges(ctx context.Context, changes *plan.Changes) error {
	byZone := make(map[string]*plan.Changes, len(m.zones))
	for _, ze := range m.zones {
		byZone[ze.zone] = &plan.Changes{}
	}

	for _, ep := range changes.Create {
		ze := m.zoneFor(ep.DNSName)
		if ze == nil {
			m.log.Warn("no zone match for endpoint, skipping", "dnsName", ep.DNSName)
			continue
		}
		byZone[ze.zone].Create = append(byZone[ze.zone].Create, ep)
	}
	for _, ep := range changes.Delete {
		ze := m.zoneFor(ep.DNSName)
		if ze == nil {
			m.log.Warn("no zone match for endpoint, skipping", "dnsName", ep.DNSName)
			continue
		}
		byZone[ze.zone].Delete = append(byZone[ze.zone].Delete, ep)
	}
	for i, old := range changes.UpdateOld {
		ze := m.zoneFor(old.DNSName)
		if ze == nil {
			m.log.Warn("no zone match for endpoint, skipping", "dnsName", old.DNSName)
			continue
		}
		byZone[ze.zone].UpdateOld = append(byZone[ze.zone].UpdateOld, old)
		if i < len(changes.UpdateNew) {
			byZone[ze.zone].UpdateNew = append(byZone[ze.zone].UpdateNew, changes.UpdateNew[i])
		}
	}

	for _, ze := range m.zones {
		zc := byZone[ze.zone]
		if zc.IsEmpty() {
			continue
		}
		if err := ze.prov.ApplyChanges(ctx, zc); err != nil {
			return err
		}
	}
	return nil
}

// Preflight checks the API token against all zones sequentially.
// Returns the first error encountered.
func (m *MultiProvider) Preflight(ctx context.Context) error {
	for _, ze := range m.zones {
		if err := ze.prov.Preflight(ctx); err != nil {
			return fmt.Errorf("zone %s: %w", ze.zone, err)
		}
	}
	return nil
}

// zoneFor returns the zoneEntry whose zone is the longest suffix match for
// dnsName. Returns nil if no zone matches.
func (m *MultiProvider) zoneFor(dnsName string) *zoneEntry {
	name := strings.TrimSuffix(dnsName, ".")

	var best *zoneEntry
	bestLen := 0
	for i := range m.zones {
		ze := &m.zones[i]
		if name == ze.zone || strings.HasSuffix(name, "."+ze.zone) {
			if len(ze.zone) > bestLen {
				bestLen = len(ze.zone)
				best = ze
			}
		}
	}
	return best
}
