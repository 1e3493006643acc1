package internal

import (
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
	"gopkg.in/yaml.v3"
)

// EmitList accepts either a single topic or a list of topics in YAML.
type EmitList []string

func (e *EmitList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var topic string
		if err := node.Decode(&topic); err != nil {
			return err
		}
		*e = EmitList{topic}
		return nil
	case yaml.SequenceNode:
		var topics []string
		if err := node.Decode(&topics); err != nil {
			return err
		}
		*e = EmitList(topics)
		return nil
	default:
		return fmt.Errorf("emit must be a string or a list of strings")
	}
}

// Rule routes a message to extra topics when its expression holds. Drivers
// restricts the send to the named publisher drivers.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    EmitList `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// RuleMatch is one topic chosen by a rule.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	when    string
	emit    []string
	drivers []string
	expr    *govaluate.EvaluableExpression
	// paths maps the generated parameter names to JSONPath queries.
	paths map[string]string
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"contains": containsFunc,
	"like":     likeFunc,
}

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger("rules")
	}
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rewritten, paths := rewritePaths(rule.When)
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.When, err)
		}
		rules = append(rules, compiledRule{
			when:    rule.When,
			emit:    rule.Emit,
			drivers: rule.Drivers,
			expr:    expr,
			paths:   paths,
		})
	}

	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Evaluate returns every topic whose rule holds for the event's payload. A
// rule that fails to evaluate is logged and skipped.
func (r *RuleEngine) Evaluate(event Event) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}

	var data interface{}
	if err := json.Unmarshal(event.RawPayload, &data); err != nil {
		r.logger.Printf("rule payload decode failed request_id=%s: %v", event.RequestID, err)
		return nil
	}
	var values map[string]interface{}
	if obj, ok := data.(map[string]interface{}); ok {
		values = Flatten(obj)
	} else {
		values = map[string]interface{}{}
	}

	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		params := ruleParams{values: values, strict: r.strict}
		if len(rule.paths) > 0 {
			params.paths = make(map[string]interface{}, len(rule.paths))
			for name, path := range rule.paths {
				value, err := jsonpath.Get(path, data)
				if err != nil {
					if r.strict {
						r.logger.Printf("rule %q: %s: %v", rule.when, path, err)
						params.paths = nil
						break
					}
					value = nil
				}
				params.paths[name] = value
			}
			if params.paths == nil {
				continue
			}
		}
		result, err := rule.expr.Eval(params)
		if err != nil {
			r.logger.Printf("rule %q eval failed: %v", rule.when, err)
			continue
		}
		if ok, _ := result.(bool); !ok {
			continue
		}
		for _, topic := range rule.emit {
			matches = append(matches, RuleMatch{Topic: topic, Drivers: rule.drivers})
		}
	}
	return matches
}

// ruleParams resolves expression variables. Outside strict mode a missing
// field evaluates to nil instead of failing the rule.
type ruleParams struct {
	values map[string]interface{}
	paths  map[string]interface{}
	strict bool
}

func (p ruleParams) Get(name string) (interface{}, error) {
	if value, ok := p.paths[name]; ok {
		return ruleValue(value), nil
	}
	if value, ok := p.values[name]; ok {
		return ruleValue(value), nil
	}
	if p.strict {
		return nil, fmt.Errorf("no field %q in payload", name)
	}
	return nil, nil
}

// ruleList wraps array operands so govaluate passes them to a function as a
// single argument instead of spreading them.
type ruleList []interface{}

func ruleValue(value interface{}) interface{} {
	if list, ok := value.([]interface{}); ok {
		return ruleList(list)
	}
	return value
}

const pathParamPrefix = "jsonpathArg"

// rewritePaths replaces JSONPath-like operands ($.a.b, a.b, a[0].b) with
// plain parameter names govaluate can parse. Quoted strings and function
// names are left alone.
func rewritePaths(expr string) (string, map[string]string) {
	var out strings.Builder
	paths := map[string]string{}
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			j := i + 1
			for j < len(expr) && expr[j] != c {
				if expr[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			out.WriteString(expr[i:min(j, len(expr))])
			i = j
		case isPathStart(c) && (i == 0 || !isPathChar(expr[i-1])):
			j := i
			for j < len(expr) && isPathChar(expr[j]) {
				j++
			}
			token := expr[i:j]
			if !strings.HasPrefix(token, "$") && !strings.ContainsAny(token, ".[") || nextNonSpace(expr, j) == '(' {
				out.WriteString(token)
				i = j
				continue
			}
			path := token
			if !strings.HasPrefix(path, "$") {
				path = "$." + path
			}
			name := fmt.Sprintf("%s%d", pathParamPrefix, len(paths))
			paths[name] = path
			out.WriteString(name)
			i = j
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), paths
}

func isPathStart(c byte) bool {
	return c == '$' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isPathChar(c byte) bool {
	return isPathStart(c) || (c >= '0' && c <= '9') || c == '.' || c == '[' || c == ']'
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return s[i]
		}
	}
	return 0
}

func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
	}
	switch haystack := args[0].(type) {
	case nil:
		return false, nil
	case string:
		needle, ok := args[1].(string)
		return ok && strings.Contains(haystack, needle), nil
	case ruleList:
		for _, item := range haystack {
			if reflect.DeepEqual(item, args[1]) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func likeFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
	}
	value, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("like pattern must be a string")
	}
	var expr strings.Builder
	expr.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			expr.WriteString(".*")
		case '_':
			expr.WriteString(".")
		default:
			expr.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	expr.WriteString("$")
	matched, err := regexp.MatchString(expr.String(), value)
	if err != nil {
		return nil, err
	}
	return matched, nil
}
