// Package condition evaluates the two condition flavors the orchestrator
// needs: CEL expressions for loop/branch conditions authored directly by
// graph authors, and the closed operator set for switch-node rules (spec
// §4.4, §6.3).
package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/tidwall/gjson"
)

// Evaluator evaluates CEL conditions with a compiled-program cache,
// grounded on the teacher's condition.Evaluator.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// EvaluateCEL evaluates expr against output/context and requires a boolean
// result (loop conditions, branch conditions of condition.Type == "cel").
func (e *Evaluator) EvaluateCEL(expr string, output interface{}, ctx map[string]interface{}) (bool, error) {
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()

	if !ok {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("condition: CEL evaluation: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition: CEL compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition: create CEL program: %w", err)
	}
	return prg, nil
}

// Rule is one switch-node rule (spec §4.4): {id, field, operator, value, label}.
type Rule struct {
	ID       string `json:"id"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Label    string `json:"label,omitempty"`
}

// Operator names, the closed set from spec §6.3.
const (
	OpEquals       = "equals"
	OpNotEquals    = "not_equals"
	OpContains     = "contains"
	OpNotContains  = "not_contains"
	OpStartsWith   = "starts_with"
	OpEndsWith     = "ends_with"
	OpGT           = "gt"
	OpGTE          = "gte"
	OpLT           = "lt"
	OpLTE          = "lte"
	OpIsEmpty      = "is_empty"
	OpIsNotEmpty   = "is_not_empty"
	OpExists       = "exists"
	OpMatchesRegex = "matches_regex"
	OpIsTrue       = "is_true"
	OpIsFalse      = "is_false"
	OpLengthEQ     = "length_eq"
	OpLengthGT     = "length_gt"
	OpLengthLT     = "length_lt"
	OpBefore       = "before"
	OpAfter        = "after"
)

// FieldValue resolves rule.Field (a dotted path, e.g. "node_outputs.cat_1.category")
// against a JSON document via gjson.
func FieldValue(docJSON []byte, field string) gjson.Result {
	return gjson.GetBytes(docJSON, field)
}

// EvaluateRule evaluates a single rule's operator against the resolved
// field value (spec §6.3's closed operator set and type coercions).
func EvaluateRule(fieldValue gjson.Result, rule Rule) (bool, error) {
	switch rule.Operator {
	case OpEquals:
		return fieldValue.String() == rule.Value, nil
	case OpNotEquals:
		return fieldValue.String() != rule.Value, nil
	case OpContains:
		return strings.Contains(fieldValue.String(), rule.Value), nil
	case OpNotContains:
		return !strings.Contains(fieldValue.String(), rule.Value), nil
	case OpStartsWith:
		return strings.HasPrefix(fieldValue.String(), rule.Value), nil
	case OpEndsWith:
		return strings.HasSuffix(fieldValue.String(), rule.Value), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		return compareNumeric(fieldValue, rule)
	case OpIsEmpty:
		return isEmptyValue(fieldValue), nil
	case OpIsNotEmpty:
		return !isEmptyValue(fieldValue), nil
	case OpExists:
		return fieldValue.Exists(), nil
	case OpMatchesRegex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return false, fmt.Errorf("condition: invalid regex %q: %w", rule.Value, err)
		}
		return re.MatchString(fieldValue.String()), nil
	case OpIsTrue:
		return coerceBool(fieldValue), nil
	case OpIsFalse:
		return !coerceBool(fieldValue), nil
	case OpLengthEQ, OpLengthGT, OpLengthLT:
		return compareLength(fieldValue, rule)
	case OpBefore, OpAfter:
		return compareTime(fieldValue, rule)
	default:
		return false, fmt.Errorf("condition: unknown operator %q", rule.Operator)
	}
}

func compareNumeric(fv gjson.Result, rule Rule) (bool, error) {
	a, ok := coerceNumber(fv)
	if !ok {
		return false, fmt.Errorf("condition: field value %q is not numeric", fv.String())
	}
	b, err := strconv.ParseFloat(rule.Value, 64)
	if err != nil {
		return false, fmt.Errorf("condition: comparand %q is not numeric: %w", rule.Value, err)
	}
	switch rule.Operator {
	case OpGT:
		return a > b, nil
	case OpGTE:
		return a >= b, nil
	case OpLT:
		return a < b, nil
	case OpLTE:
		return a <= b, nil
	}
	return false, fmt.Errorf("condition: not a numeric operator: %s", rule.Operator)
}

func coerceNumber(fv gjson.Result) (float64, bool) {
	switch fv.Type {
	case gjson.Number:
		return fv.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(fv.Str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceBool(fv gjson.Result) bool {
	switch fv.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		switch fv.Str {
		case "true", "1":
			return true
		}
		return false
	case gjson.Number:
		return fv.Num == 1
	default:
		return false
	}
}

func isEmptyValue(fv gjson.Result) bool {
	if !fv.Exists() {
		return true
	}
	switch fv.Type {
	case gjson.String:
		return fv.Str == ""
	case gjson.JSON:
		if fv.IsArray() || fv.IsObject() {
			return len(fv.Array()) == 0 && len(fv.Map()) == 0
		}
		return false
	default:
		return false
	}
}

func compareLength(fv gjson.Result, rule Rule) (bool, error) {
	var length int
	switch {
	case fv.IsArray():
		length = len(fv.Array())
	case fv.Type == gjson.String:
		length = len(fv.Str)
	default:
		length = len(fv.Raw)
	}
	want, err := strconv.Atoi(rule.Value)
	if err != nil {
		return false, fmt.Errorf("condition: length comparand %q is not an integer: %w", rule.Value, err)
	}
	switch rule.Operator {
	case OpLengthEQ:
		return length == want, nil
	case OpLengthGT:
		return length > want, nil
	case OpLengthLT:
		return length < want, nil
	}
	return false, fmt.Errorf("condition: not a length operator: %s", rule.Operator)
}

func compareTime(fv gjson.Result, rule Rule) (bool, error) {
	a, err := time.Parse(time.RFC3339, fv.String())
	if err != nil {
		return false, fmt.Errorf("condition: field value %q is not ISO-8601: %w", fv.String(), err)
	}
	b, err := time.Parse(time.RFC3339, rule.Value)
	if err != nil {
		return false, fmt.Errorf("condition: comparand %q is not ISO-8601: %w", rule.Value, err)
	}
	if rule.Operator == OpBefore {
		return a.Before(b), nil
	}
	return a.After(b), nil
}

// MatchRules evaluates rules in order against doc, returning the id of the
// first matching rule. If nothing matches and fallback is enabled, it
// returns "__other__"; otherwise it returns "". The error is non-nil only
// when doc cannot be marshaled or a rule fails to evaluate.
func MatchRules(doc interface{}, rules []Rule, enableFallback bool) (string, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("condition: marshal document: %w", err)
	}
	for _, rule := range rules {
		fv := FieldValue(docJSON, rule.Field)
		matched, err := EvaluateRule(fv, rule)
		if err != nil {
			return "", fmt.Errorf("condition: rule %s: %w", rule.ID, err)
		}
		if matched {
			return rule.ID, nil
		}
	}
	if enableFallback {
		return "__other__", nil
	}
	return "", nil
}
