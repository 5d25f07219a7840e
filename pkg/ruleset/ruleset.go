// Package ruleset evaluates versioned CEL constraints over computed Form 6765 facts.
package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

const (
	SeverityError = "error"
	SeverityWarn  = "warn"
)

// Rule is one boolean CEL expression that must hold.
type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Expr     string `yaml:"expr" json:"expr"`
	Message  string `yaml:"message" json:"message"`
	Severity string `yaml:"severity" json:"severity"`
}

// Ruleset is a semver-identified list of rules.
type Ruleset struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

type file struct {
	Rulesets []Ruleset `yaml:"rulesets"`
}

// forbidden calls make a rule depend on something other than its inputs.
var forbidden = map[string]string{
	"now":    "now() is forbidden",
	"keys":   "map iteration (keys) is forbidden",
	"values": "map iteration (values) is forbidden",
}

type compiledRule struct {
	Rule
	prg cel.Program
}

type compiled struct {
	version *semver.Version
	rules   []compiledRule
}

// Registry holds compiled rulesets.
type Registry struct {
	env  *cel.Env
	mu   sync.RWMutex
	sets map[string]*compiled
}

// NewRegistry creates an empty registry with the fact variables declared.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("tax_year", cel.IntType),
		cel.Variable("credit_method", cel.StringType),
		cel.Variable("section_280c", cel.StringType),
		cel.Variable("qre_wages", cel.DoubleType),
		cel.Variable("qre_supplies", cel.DoubleType),
		cel.Variable("qre_computers", cel.DoubleType),
		cel.Variable("qre_contract", cel.DoubleType),
		cel.Variable("qre_total", cel.DoubleType),
		cel.Variable("credit", cel.DoubleType),
		cel.Variable("current_credit", cel.DoubleType),
		cel.Variable("payroll_election", cel.DoubleType),
		cel.Variable("qsb", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Registry{env: env, sets: make(map[string]*compiled)}, nil
}

// Lint reports forbidden constructs in expr.
func (r *Registry) Lint(expr string) ([]string, error) {
	parsed, iss := r.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	var issues []string
	walk(parsed.Expr(), &issues) //nolint:staticcheck // AST traversal needs the proto form
	return issues, nil
}

func walk(e *exprpb.Expr, issues *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if msg, bad := forbidden[call.Function]; bad {
			*issues = append(*issues, msg)
		}
		walk(call.Target, issues)
		for _, arg := range call.Args {
			walk(arg, issues)
		}
	case *exprpb.Expr_SelectExpr:
		walk(k.SelectExpr.Operand, issues)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walk(el, issues)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			walk(entry.GetMapKey(), issues)
			walk(entry.Value, issues)
		}
	case *exprpb.Expr_ComprehensionExpr:
		c := k.ComprehensionExpr
		walk(c.IterRange, issues)
		walk(c.AccuInit, issues)
		walk(c.LoopCondition, issues)
		walk(c.LoopStep, issues)
		walk(c.Result, issues)
	}
}

// Register validates, lints and compiles a ruleset.
func (r *Registry) Register(rs Ruleset) error {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(rs.Version, "v"))
	if err != nil {
		return fmt.Errorf("ruleset version %q: %w", rs.Version, err)
	}
	c := &compiled{version: v}
	for _, rule := range rs.Rules {
		if rule.ID == "" {
			return fmt.Errorf("ruleset %s: rule without id", rs.Version)
		}
		if rule.Severity == "" {
			rule.Severity = SeverityError
		}
		if rule.Severity != SeverityError && rule.Severity != SeverityWarn {
			return fmt.Errorf("ruleset %s rule %s: unknown severity %q", rs.Version, rule.ID, rule.Severity)
		}
		issues, err := r.Lint(rule.Expr)
		if err != nil {
			return fmt.Errorf("ruleset %s rule %s: %w", rs.Version, rule.ID, err)
		}
		if len(issues) > 0 {
			return fmt.Errorf("ruleset %s rule %s: %s", rs.Version, rule.ID, strings.Join(issues, "; "))
		}
		ast, iss := r.env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("ruleset %s rule %s: %w", rs.Version, rule.ID, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return fmt.Errorf("ruleset %s rule %s: expression must be boolean, got %s", rs.Version, rule.ID, ast.OutputType())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("ruleset %s rule %s: %w", rs.Version, rule.ID, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: rule, prg: prg})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[v.String()] = c
	return nil
}

// Versions lists registered versions in ascending order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := make([]*semver.Version, 0, len(r.sets))
	for _, c := range r.sets {
		vs = append(vs, c.version)
	}
	sort.Sort(semver.Collection(vs))
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// resolve picks the highest registered ruleset with the same major version that is not newer than version.
func (r *Registry) resolve(version string) (*compiled, error) {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return nil, fault.Validation("ruleset_version %q is not a semantic version", version)
	}
	constraint, err := semver.NewConstraint(fmt.Sprintf(">= %d.0.0-0, <= %s", v.Major(), v.String()))
	if err != nil {
		return nil, fmt.Errorf("ruleset constraint: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *compiled
	for _, c := range r.sets {
		if !constraint.Check(c.version) {
			continue
		}
		if best == nil || c.version.GreaterThan(best.version) {
			best = c
		}
	}
	return best, nil
}

// Check evaluates the ruleset that applies to version. No applicable ruleset means no constraints.
// Error-severity violations become a validation fault; warnings are logged.
func (r *Registry) Check(ctx context.Context, version string, facts map[string]any) error {
	c, err := r.resolve(version)
	if err != nil || c == nil {
		return err
	}
	var violations []map[string]any
	for _, rule := range c.rules {
		out, _, err := rule.prg.ContextEval(ctx, facts)
		if err != nil {
			return fmt.Errorf("ruleset %s rule %s: %w", c.version, rule.ID, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("ruleset %s rule %s: non-boolean result", c.version, rule.ID)
		}
		if ok {
			continue
		}
		if rule.Severity == SeverityWarn {
			slog.Warn("ruleset warning", "ruleset", c.version.String(), "rule", rule.ID, "message", rule.Message)
			continue
		}
		violations = append(violations, map[string]any{"rule": rule.ID, "message": rule.Message})
	}
	if len(violations) > 0 {
		return fault.Validation("ruleset %s rejected the computation", c.version).
			With("ruleset_version", c.version.String()).
			With("violations", violations)
	}
	return nil
}

// Parse decodes a YAML document with a top-level rulesets list.
func Parse(data []byte) ([]Ruleset, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rulesets: %w", err)
	}
	return f.Rulesets, nil
}

// LoadFile parses path and registers every ruleset in it.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rulesets: %w", err)
	}
	sets, err := Parse(data)
	if err != nil {
		return err
	}
	for _, rs := range sets {
		if err := r.Register(rs); err != nil {
			return err
		}
	}
	return nil
}

// Default is the built-in baseline ruleset.
func Default() Ruleset {
	return Ruleset{
		Version: "1.0.0",
		Rules: []Rule{
			{ID: "credit-non-negative", Expr: `credit >= 0.0 && current_credit >= 0.0`, Message: "credit lines must not be negative"},
			{ID: "known-method", Expr: `credit_method in ["REGULAR", "ASC"]`, Message: "credit method must be REGULAR or ASC"},
			{ID: "payroll-cap", Expr: `payroll_election <= 250000.0`, Message: "payroll tax election is capped at 250,000"},
			{ID: "payroll-needs-qsb", Expr: `qsb || payroll_election == 0.0`, Message: "payroll election requires QSB status"},
			{ID: "no-qre", Expr: `qre_total > 0.0`, Message: "no qualified research expenses reported", Severity: SeverityWarn},
		},
	}
}
