// Package authz is the access-control collaborator: declarative rules
// evaluated with CEL against the document and the requesting identity.
// The publisher consults it before delivering any direct delta.
package authz

import (
	"fmt"
	"log"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Rule grants or denies one action on one collection. Expr is a CEL
// expression over `doc` and `user`; an empty Expr always allows.
type Rule struct {
	Collection string `yaml:"collection"` // collection name or "*"
	Action     string `yaml:"action"`     // read, create, update, delete or "*"
	Expr       string `yaml:"expr"`
	Deny       bool   `yaml:"deny"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Evaluator answers allow/deny for (collection, action, doc, identity).
type Evaluator struct {
	rules []compiledRule
}

// NewEvaluator compiles the rule set. Rules are evaluated in order; the
// first rule whose collection/action matches and whose expression is true
// decides. With no matching rule the action is allowed.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ev := &Evaluator{}
	for i, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Expr != "" {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("compile rule %d (%s/%s): %w", i, r.Collection, r.Action, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("program rule %d: %w", i, err)
			}
			cr.prg = prg
		}
		ev.rules = append(ev.rules, cr)
	}
	return ev, nil
}

// LoadFile reads rules from a YAML file and compiles them.
func LoadFile(path string) (*Evaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authz rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse authz rules %s: %w", path, err)
	}
	return NewEvaluator(f.Rules)
}

// Allow reports whether identity may perform action on the document. A
// rule whose expression errors fails closed for deny rules and open is
// never assumed: the rule is skipped and logged.
func (e *Evaluator) Allow(collection, action string, doc model.Document, identity map[string]interface{}) bool {
	if e == nil || len(e.rules) == 0 {
		return true
	}

	for _, r := range e.rules {
		if !matchPattern(r.Collection, collection) || !matchPattern(r.Action, action) {
			continue
		}
		if r.prg == nil {
			return !r.Deny
		}

		out, _, err := r.prg.Eval(map[string]interface{}{
			"doc":  map[string]interface{}(doc),
			"user": identity,
		})
		if err != nil {
			log.Printf("[Authz] Rule %s/%s evaluation failed: %v", r.Collection, r.Action, err)
			continue
		}
		if ok, _ := out.Value().(bool); ok {
			return !r.Deny
		}
	}
	return true
}

func matchPattern(pattern, value string) bool {
	return pattern == "*" || pattern == value
}
