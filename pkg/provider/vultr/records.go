package vultr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bkero/external-dns-vultr/pkg/endpoint"
)

// malformedDropped counts provider records whose packed data field could not
// be parsed and were dropped during decoding. The drop itself is deliberately
// lenient; the counter keeps it observable.
var malformedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "external_dns_vultr_malformed_records_dropped_total",
	Help: "Vultr records dropped during decoding because their data field was malformed, by record type.",
}, []string{"type"})

// recordParams is one provider record payload produced by an encoder.
// Name is zone-relative (empty string for the apex); Priority is -1 when the
// record type does not use it.
type recordParams struct {
	Name     string
	Type     string
	Data     string
	Priority int
}

// noPriority marks record types whose priority sibling field is unused.
const noPriority = -1

// codec pairs the two halves of one record type's wire mapping. decode turns
// a group of provider records sharing (name, type) into one endpoint,
// reporting how many malformed entries it dropped; encode is the inverse,
// producing one payload per value.
type codec struct {
	decode func(name string, recs []Record) (*endpoint.Endpoint, int)
	encode func(ep *endpoint.Endpoint, relName string) []recordParams
}

// codecs maps each supported record type to its codec. Resolved at compile
// time; an absent entry means the type is unsupported and is filtered before
// dispatch.
var codecs = map[string]codec{
	endpoint.RecordTypeA:     {decodeStrings, encodeStrings},
	endpoint.RecordTypeAAAA:  {decodeStrings, encodeStrings},
	endpoint.RecordTypeCAA:   {decodeCAA, encodeCAA},
	endpoint.RecordTypeCNAME: {decodeCNAME, encodeCNAME},
	endpoint.RecordTypeMX:    {decodeMX, encodeMX},
	endpoint.RecordTypeNS:    {decodeNS, encodeStrings},
	endpoint.RecordTypeSRV:   {decodeSRV, encodeSRV},
	endpoint.RecordTypeTXT:   {decodeTXT, encodeTXT},
}

// Supports reports whether recordType is handled by this provider.
func Supports(recordType string) bool {
	_, ok := codecs[recordType]
	return ok
}

// SupportedTypes returns the supported record types in constant order.
func SupportedTypes() []string {
	return []string{
		endpoint.RecordTypeA,
		endpoint.RecordTypeAAAA,
		endpoint.RecordTypeCAA,
		endpoint.RecordTypeCNAME,
		endpoint.RecordTypeMX,
		endpoint.RecordTypeNS,
		endpoint.RecordTypeSRV,
		endpoint.RecordTypeTXT,
	}
}

// Static capability declaration: no geo-targeted or dynamically-weighted
// record variants; root-zone NS management is supported.
const (
	SupportsGeo     = false
	SupportsDynamic = false
	SupportsRootNS  = true
)

// appendDot normalizes a hostname value to fully-qualified form. The literal
// apex marker is left untouched.
func appendDot(v string) string {
	if v == "@" {
		return v
	}
	return dns.Fqdn(v)
}

// groupTTL returns the TTL for a record group, taken from the first entry.
func groupTTL(recs []Record) int64 {
	return recs[0].TTL
}

// --- Decoders (provider wire form → generic endpoints) ---

func decodeStrings(name string, recs []Record) (*endpoint.Endpoint, int) {
	targets := make([]string, 0, len(recs))
	for _, r := range recs {
		targets = append(targets, r.Data)
	}
	return endpoint.New(name, targets, recs[0].Type, groupTTL(recs), nil), 0
}

func decodeTXT(name string, recs []Record) (*endpoint.Endpoint, int) {
	targets := make([]string, 0, len(recs))
	for _, r := range recs {
		targets = append(targets, strings.ReplaceAll(r.Data, `\;`, ";"))
	}
	return endpoint.New(name, targets, endpoint.RecordTypeTXT, groupTTL(recs), nil), 0
}

func decodeNS(name string, recs []Record) (*endpoint.Endpoint, int) {
	targets := make([]string, 0, len(recs))
	for _, r := range recs {
		targets = append(targets, appendDot(r.Data))
	}
	return endpoint.New(name, targets, endpoint.RecordTypeNS, groupTTL(recs), nil), 0
}

// decodeCNAME uses only the first record of the group; the provider stores a
// canonical-name alias as a single record.
func decodeCNAME(name string, recs []Record) (*endpoint.Endpoint, int) {
	r := recs[0]
	return endpoint.New(name, []string{appendDot(r.Data)}, endpoint.RecordTypeCNAME, r.TTL, nil), 0
}

func decodeMX(name string, recs []Record) (*endpoint.Endpoint, int) {
	values := make([]endpoint.MXValue, 0, len(recs))
	for _, r := range recs {
		values = append(values, endpoint.MXValue{
			Preference: r.Priority,
			Exchange:   appendDot(r.Data),
		})
	}
	return endpoint.NewMX(name, values, groupTTL(recs)), 0
}

// decodeSRV unpacks the "weight port target" data encoding; the record's
// priority sibling field carries the value's priority. Entries that do not
// split into exactly three fields, or whose numeric fields do not parse, are
// dropped.
func decodeSRV(name string, recs []Record) (*endpoint.Endpoint, int) {
	values := make([]endpoint.SRVValue, 0, len(recs))
	dropped := 0
	for _, r := range recs {
		parts := strings.SplitN(r.Data, " ", 3)
		if len(parts) != 3 {
			dropped++
			continue
		}
		weight, werr := strconv.Atoi(parts[0])
		port, perr := strconv.Atoi(parts[1])
		if werr != nil || perr != nil {
			dropped++
			continue
		}
		values = append(values, endpoint.SRVValue{
			Priority: r.Priority,
			Weight:   weight,
			Port:     port,
			Target:   appendDot(parts[2]),
		})
	}
	return endpoint.NewSRV(name, values, groupTTL(recs)), dropped
}

// decodeCAA unpacks the `flags tag "value"` data encoding, stripping the
// value's surrounding quotes. Malformed entries are dropped.
func decodeCAA(name string, recs []Record) (*endpoint.Endpoint, int) {
	values := make([]endpoint.CAAValue, 0, len(recs))
	dropped := 0
	for _, r := range recs {
		parts := strings.SplitN(r.Data, " ", 3)
		if len(parts) != 3 {
			dropped++
			continue
		}
		flags, err := strconv.Atoi(parts[0])
		if err != nil {
			dropped++
			continue
		}
		values = append(values, endpoint.CAAValue{
			Flags: flags,
			Tag:   parts[1],
			Value: strings.Trim(parts[2], `"`),
		})
	}
	return endpoint.NewCAA(name, values, groupTTL(recs)), dropped
}

// --- Encoders (generic endpoints → provider wire form) ---

func encodeStrings(ep *endpoint.Endpoint, relName string) []recordParams {
	out := make([]recordParams, 0, len(ep.Targets))
	for _, t := range ep.Targets {
		out = append(out, recordParams{Name: relName, Type: ep.RecordType, Data: t, Priority: noPriority})
	}
	return out
}

func encodeTXT(ep *endpoint.Endpoint, relName string) []recordParams {
	out := make([]recordParams, 0, len(ep.Targets))
	for _, t := range ep.Targets {
		out = append(out, recordParams{
			Name:     relName,
			Type:     endpoint.RecordTypeTXT,
			Data:     strings.ReplaceAll(t, ";", `\;`),
			Priority: noPriority,
		})
	}
	return out
}

// encodeCNAME emits exactly one payload; an alias has a single value.
func encodeCNAME(ep *endpoint.Endpoint, relName string) []recordParams {
	if len(ep.Targets) == 0 {
		return nil
	}
	return []recordParams{{Name: relName, Type: endpoint.RecordTypeCNAME, Data: ep.Targets[0], Priority: noPriority}}
}

func encodeMX(ep *endpoint.Endpoint, relName string) []recordParams {
	out := make([]recordParams, 0, len(ep.MX))
	for _, v := range ep.MX {
		out = append(out, recordParams{
			Name:     relName,
			Type:     endpoint.RecordTypeMX,
			Data:     v.Exchange,
			Priority: v.Preference,
		})
	}
	return out
}

// encodeSRV packs "weight port target", stripping the target's trailing dot
// per the provider's convention.
func encodeSRV(ep *endpoint.Endpoint, relName string) []recordParams {
	out := make([]recordParams, 0, len(ep.SRV))
	for _, v := range ep.SRV {
		target := strings.TrimSuffix(v.Target, ".")
		out = append(out, recordParams{
			Name:     relName,
			Type:     endpoint.RecordTypeSRV,
			Data:     fmt.Sprintf("%d %d %s", v.Weight, v.Port, target),
			Priority: v.Priority,
		})
	}
	return out
}

func encodeCAA(ep *endpoint.Endpoint, relName string) []recordParams {
	out := make([]recordParams, 0, len(ep.CAA))
	for _, v := range ep.CAA {
		out = append(out, recordParams{
			Name:     relName,
			Type:     endpoint.RecordTypeCAA,
			Data:     fmt.Sprintf(`%d %s "%s"`, v.Flags, v.Tag, v.Value),
			Priority: noPriority,
		})
	}
	return out
}
