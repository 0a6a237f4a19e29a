// Package alert implements the policy-driven alert engine: admission and
// validation of events, policy matching, deduplication with suppression
// windows, and the alert status lifecycle.
package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// Policy is one compiled admission rule. Match is a CEL predicate over
// (kind, payload, entities); the first matching policy in Order wins.
type Policy struct {
	ID              string
	Order           int
	Severity        contracts.Severity
	BucketSeconds   int64
	SuppressSeconds int64
	Expr            string
	program         cel.Program
}

// Match evaluates the policy predicate against an event.
func (p *Policy) Match(e contracts.Event, entities []contracts.Entity) (bool, error) {
	ents := make([]map[string]any, len(entities))
	for i, ent := range entities {
		ents[i] = map[string]any{"id": ent.ID, "type": string(ent.Type), "value": ent.Value}
	}
	out, _, err := p.program.Eval(map[string]any{
		"kind":     string(e.Kind),
		"payload":  e.Payload,
		"entities": ents,
	})
	if err != nil {
		return false, fmt.Errorf("policy %s: eval: %w", p.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, faults.Validationf("policy %s: expression is not boolean", p.ID)
	}
	return matched, nil
}

// Set is an immutable, ordered snapshot of the active policies. Readers
// take the snapshot once per event so a reload never mixes two versions
// within one evaluation.
type Set struct {
	Hash     string
	Policies []*Policy
}

// First returns the first policy matching the event, or nil.
func (s *Set) First(e contracts.Event, entities []contracts.Entity) (*Policy, error) {
	for _, p := range s.Policies {
		matched, err := p.Match(e, entities)
		if err != nil {
			return nil, err
		}
		if matched {
			return p, nil
		}
	}
	return nil, nil
}

type policyFile struct {
	Version  int           `yaml:"version"`
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	ID              string `yaml:"id"`
	Order           int    `yaml:"order"`
	Severity        string `yaml:"severity"`
	BucketSeconds   int64  `yaml:"bucket_seconds"`
	SuppressSeconds int64  `yaml:"suppress_seconds"`
	Match           string `yaml:"match"`
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entities", cel.ListType(cel.DynType)),
	)
}

// LoadDir parses and compiles every *.yaml policy file under dir into an
// ordered set. Validation failures reject the whole directory so a bad
// reload can never partially apply.
func LoadDir(dir string) (*Set, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, faults.Validationf("policy: glob %s: %v", dir, err)
	}
	yml, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err == nil {
		names = append(names, yml...)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, faults.Validationf("policy: no policy files in %s", dir)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	var entries []policyEntry
	hasher := strings.Builder{}
	for _, name := range names {
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, faults.Unavailablef("policy: read %s: %v", name, err)
		}
		hasher.Write(raw)
		var pf policyFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return nil, faults.Validationf("policy: parse %s: %v", filepath.Base(name), err)
		}
		entries = append(entries, pf.Policies...)
	}

	set, err := compile(env, entries)
	if err != nil {
		return nil, err
	}
	set.Hash = canonical.HashHex([]byte(hasher.String()))
	return set, nil
}

func compile(env *cel.Env, entries []policyEntry) (*Set, error) {
	seen := map[string]bool{}
	policies := make([]*Policy, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, faults.Validationf("policy: missing id")
		}
		if seen[e.ID] {
			return nil, faults.Validationf("policy: duplicate id %q", e.ID)
		}
		seen[e.ID] = true

		severity, err := contracts.ParseSeverity(e.Severity)
		if err != nil {
			return nil, faults.Validationf("policy %s: %v", e.ID, err)
		}
		if e.Match == "" {
			return nil, faults.Validationf("policy %s: empty match expression", e.ID)
		}

		ast, issues := env.Compile(e.Match)
		if issues != nil && issues.Err() != nil {
			return nil, faults.Validationf("policy %s: compile: %v", e.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, faults.Validationf("policy %s: expression must be boolean", e.ID)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, faults.Validationf("policy %s: program: %v", e.ID, err)
		}

		bucket := e.BucketSeconds
		if bucket <= 0 {
			bucket = 60
		}
		suppress := e.SuppressSeconds
		if suppress <= 0 {
			suppress = bucket
		}
		policies = append(policies, &Policy{
			ID:              e.ID,
			Order:           e.Order,
			Severity:        severity,
			BucketSeconds:   bucket,
			SuppressSeconds: suppress,
			Expr:            e.Match,
			program:         program,
		})
	}

	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Order < policies[j].Order })
	return &Set{Policies: policies}, nil
}
