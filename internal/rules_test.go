package internal

import "testing"

// TestRuleEngineEvaluate tests that the rule engine correctly evaluates a simple rule.
func TestRuleEngineEvaluate(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"opened\"", Emit: EmitList{"pr.opened"}},
			{When: "action == \"closed\" && merged == true", Emit: EmitList{"pr.merged"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened","merged":false}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(matches))
	}
	if matches[0].Topic != "pr.opened" {
		t.Fatalf("expected topic pr.opened, got %q", matches[0].Topic)
	}
}

// TestRuleEngineEvaluateMissingField tests that the rule engine does not match a rule with a missing field.
func TestRuleEngineEvaluateMissingField(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "missing == true", Emit: EmitList{"never"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "push",
		RawPayload: []byte(`{}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 0 {
		t.Fatalf("expected no topics, got %d", len(matches))
	}
}

// TestRuleEngineWithDrivers tests that the rule engine correctly handles a rule with drivers specified.
func TestRuleEngineWithDrivers(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"opened\"", Emit: EmitList{"pr.opened"}, Drivers: []string{"amqp", "http"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened"}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if len(matches[0].Drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(matches[0].Drivers))
	}
}

// TestRuleEngineJSONPathDot tests that the rule engine correctly handles a JSONPath expression with dot notation.
func TestRuleEngineJSONPathDot(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "$.pull_request.draft == false", Emit: EmitList{"pr.opened"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"pull_request":{"draft":false}}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

// TestRuleEngineJSONPathIndex tests that the rule engine correctly handles a JSONPath expression with an index.
func TestRuleEngineJSONPathIndex(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "$.pull_request[0].draft == false", Emit: EmitList{"pr.opened"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"pull_request":[{"draft":false}]}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

// TestRuleEngineJSONPathFilter tests that the rule engine correctly handles a JSONPath expression with a filter.
func TestRuleEngineJSONPathFilter(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "$.pull_request[0].draft == false", Emit: EmitList{"pr.opened"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"pull_request":[{"draft":false},{"draft":true}]}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

// TestRuleEngineBareJSONPath tests that the rule engine correctly handles a bare JSONPath expression.
func TestRuleEngineBareJSONPath(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"opened\" && pull_request.draft == false", Emit: EmitList{"pr.opened"}},
			{When: "pull_requests[0].draft == false", Emit: EmitList{"pr.any"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened","pull_request":{"draft":false},"pull_requests":[{"draft":false}]}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

// TestRuleEngineStrictMissing tests that the rule engine in strict mode does not match a rule with a missing field.
func TestRuleEngineStrictMissing(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "missing_field == true", Emit: EmitList{"never"}},
		},
		Strict: true,
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened"}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 0 {
		t.Fatalf("expected no matches in strict mode, got %d", len(matches))
	}
}

func TestRuleEngineFunctions(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `contains(labels, "bug")`, Emit: EmitList{"label.bug"}},
			{When: `like(ref, "refs/heads/%")`, Emit: EmitList{"branch.push"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "push",
		RawPayload: []byte(`{"labels":["bug","ui"],"ref":"refs/heads/main"}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestRuleEngineContainsOverArrays(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{
		Rules: []Rule{
			{When: `contains($.commit_info.labels, "security")`, Emit: EmitList{"security_review"}},
			{When: `contains(labels, "docs") && contains(labels, "ui")`, Emit: EmitList{"docs"}},
			{When: `contains(labels, "missing")`, Emit: EmitList{"never"}},
		},
	})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	matches := engine.Evaluate(Event{
		Name:       "push",
		RawPayload: []byte(`{"labels":["docs","ui"],"commit_info":{"sha":"a1","labels":["security","deps"]}}`),
	})
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Topic != "security_review" || matches[1].Topic != "docs" {
		t.Fatalf("unexpected topics: %q, %q", matches[0].Topic, matches[1].Topic)
	}
}

func TestRuleEngineQueueMessage(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `event_type == "setup" && full_scan == true`, Emit: EmitList{"repo.setup"}},
			{When: `like(file_changes[0].path, "docs/%")`, Emit: EmitList{"docs.changed", "audit"}, Drivers: []string{"kafka"}},
			{When: `commit_info.author == "Ada"`, Emit: EmitList{"ada"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "push",
		RawPayload: []byte(`{"event_type":"push","full_scan":false,"file_changes":[{"path":"docs/index.md"}],"commit_info":{"author":"Ada"}}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0].Topic != "docs.changed" || matches[1].Topic != "audit" || matches[2].Topic != "ada" {
		t.Fatalf("unexpected topics: %+v", matches)
	}
	if len(matches[1].Drivers) != 1 || matches[1].Drivers[0] != "kafka" {
		t.Fatalf("expected drivers to follow every emitted topic, got %+v", matches[1])
	}
}

func TestRuleEngineStrictMissingPath(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `commit_info.author != "Ada"`, Emit: EmitList{"lenient"}},
		},
	}
	event := Event{Provider: "github", Name: "setup", RawPayload: []byte(`{"full_scan":true}`)}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if matches := engine.Evaluate(event); len(matches) != 1 {
		t.Fatalf("expected missing path to read as nil, got %d matches", len(matches))
	}

	cfg.Strict = true
	engine, err = NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if matches := engine.Evaluate(event); len(matches) != 0 {
		t.Fatalf("expected strict engine to skip the rule, got %d matches", len(matches))
	}
}

func TestRewritePathsLeavesStringsAndFunctions(t *testing.T) {
	expr, paths := rewritePaths(`contains(labels, "a.b") && $.x[1].y == 'c.d'`)
	if expr != `contains(labels, "a.b") && jsonpathArg0 == 'c.d'` {
		t.Fatalf("unexpected rewrite: %s", expr)
	}
	if paths["jsonpathArg0"] != "$.x[1].y" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestRuleEngineInvalidExpression(t *testing.T) {
	_, err := NewRuleEngine(RulesConfig{Rules: []Rule{{When: "event_type ==", Emit: EmitList{"x"}}}})
	if err == nil {
		t.Fatalf("expected compile error")
	}
}
