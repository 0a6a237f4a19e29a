package alert

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// Per-kind payload schemas. Extraction tolerates unknown keys; the
// schemas pin the types of the keys the pipeline relies on.
var payloadSchemas = map[contracts.EventKind]string{
	contracts.KindProcess: `{
		"type": "object",
		"required": ["exe"],
		"properties": {
			"exe":     {"type": "string", "minLength": 1},
			"cmdline": {"type": "string"},
			"host":    {"type": "string"},
			"user":    {"type": "string"},
			"pid":     {"type": "integer"}
		}
	}`,
	contracts.KindNetwork: `{
		"type": "object",
		"properties": {
			"host":   {"type": "string"},
			"src_ip": {"type": "string"},
			"dst_ip": {"type": "string"},
			"domain": {"type": "string"},
			"url":    {"type": "string"},
			"port":   {"type": "integer"},
			"bytes":  {"type": "integer"}
		}
	}`,
	contracts.KindFile: `{
		"type": "object",
		"properties": {
			"host":   {"type": "string"},
			"path":   {"type": "string"},
			"md5":    {"type": "string"},
			"sha1":   {"type": "string"},
			"sha256": {"type": "string"},
			"user":   {"type": "string"},
			"action": {"type": "string"}
		}
	}`,
	contracts.KindAuth: `{
		"type": "object",
		"required": ["user"],
		"properties": {
			"host":    {"type": "string"},
			"user":    {"type": "string", "minLength": 1},
			"src_ip":  {"type": "string"},
			"success": {"type": "boolean"}
		}
	}`,
	contracts.KindIntegrity: `{
		"type": "object",
		"properties": {
			"host":    {"type": "string"},
			"subject": {"type": "string"},
			"state":   {"type": "string"}
		}
	}`,
	contracts.KindScan: `{
		"type": "object",
		"properties": {
			"host":    {"type": "string"},
			"sha256":  {"type": "string"},
			"url":     {"type": "string"},
			"rule":    {"type": "string"},
			"matches": {"type": "integer"}
		}
	}`,
}

var compiledSchemas = func() map[contracts.EventKind]*jsonschema.Schema {
	out := make(map[contracts.EventKind]*jsonschema.Schema, len(payloadSchemas))
	for kind, src := range payloadSchemas {
		compiler := jsonschema.NewCompiler()
		name := fmt.Sprintf("ransomeye://schemas/%s.json", kind)
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("alert: schema resource %s: %v", kind, err))
		}
		out[kind] = compiler.MustCompile(name)
	}
	return out
}()

// ValidatePayload checks an event payload against its kind's schema.
func ValidatePayload(e contracts.Event) error {
	schema, ok := compiledSchemas[e.Kind]
	if !ok {
		return faults.Validationf("alert: no schema for kind %q", e.Kind)
	}
	// jsonschema validates generic decoded JSON; payload already is one.
	payload := any(e.Payload)
	if e.Payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return faults.Validationf("alert: payload schema for %s: %v", e.Kind, err)
	}
	return nil
}
