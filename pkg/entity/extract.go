package entity

import (
	"sort"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// payloadFields maps well-known payload keys to entity types, per event
// kind. Unknown keys are ignored; extraction is additive, not exhaustive
// validation.
var payloadFields = map[contracts.EventKind]map[string]contracts.EntityType{
	contracts.KindProcess: {
		"host": contracts.EntityHost,
		"user": contracts.EntityUser,
	},
	contracts.KindNetwork: {
		"host":   contracts.EntityHost,
		"src_ip": contracts.EntityIP,
		"dst_ip": contracts.EntityIP,
		"domain": contracts.EntityDomain,
		"url":    contracts.EntityURL,
	},
	contracts.KindFile: {
		"host":   contracts.EntityHost,
		"md5":    contracts.EntityFileHash,
		"sha1":   contracts.EntityFileHash,
		"sha256": contracts.EntityFileHash,
		"user":   contracts.EntityUser,
	},
	contracts.KindAuth: {
		"host":   contracts.EntityHost,
		"user":   contracts.EntityUser,
		"src_ip": contracts.EntityIP,
	},
	contracts.KindIntegrity: {
		"host": contracts.EntityHost,
	},
	contracts.KindScan: {
		"host":   contracts.EntityHost,
		"sha256": contracts.EntityFileHash,
		"url":    contracts.EntityURL,
	},
}

// FromEvent extracts and normalizes the entity set of an event. The
// result is deduplicated and sorted by id so downstream hashing is
// order-independent. Events whose kind requires entities yield
// faults.ErrValidation when none can be extracted.
func FromEvent(e contracts.Event) ([]contracts.Entity, error) {
	fields := payloadFields[e.Kind]
	seen := map[string]contracts.Entity{}

	for key, typ := range fields {
		raw, ok := e.Payload[key].(string)
		if !ok || raw == "" {
			continue
		}
		ent, err := New(typ, raw)
		if err != nil {
			// A malformed field poisons the whole event; admitting a
			// partially-extracted alert would corrupt the graph.
			return nil, err
		}
		seen[ent.ID] = ent
	}

	// process events additionally carry the executable identity.
	if e.Kind == contracts.KindProcess {
		exe, _ := e.Payload["exe"].(string)
		cmdline, _ := e.Payload["cmdline"].(string)
		if exe != "" {
			ent, err := New(contracts.EntityProcess, ProcessValue(exe, cmdline))
			if err != nil {
				return nil, err
			}
			seen[ent.ID] = ent
		}
	}

	if len(seen) == 0 && !e.Kind.EntityOptional() {
		return nil, faults.Validationf("entity: no extractable entities in %s event %s", e.Kind, e.EventID)
	}

	out := make([]contracts.Entity, 0, len(seen))
	for _, ent := range seen {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
