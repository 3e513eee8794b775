package interceptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mtford90/procsi/internal/eventlog"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.New(0)
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	l, err := New(dir, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, dir
}

func TestLoader_LoadsSingleRuleDocument(t *testing.T) {
	l, dir := newTestLoader(t)
	writeRuleFile(t, dir, "mock-weather.procsi.yaml", `
match:
  methods: [GET]
  hostSuffix: .weather.test
action:
  type: mock
  status: 200
  body: '{"mocked":true}'
`)
	l.Reload()

	rules := l.Rules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Name != "mock-weather" {
		t.Errorf("expected name defaulted from file name, got %q", rules[0].Name)
	}
	if rules[0].Action.Type != ActionMock || rules[0].Action.Status != 200 {
		t.Errorf("unexpected action: %+v", rules[0].Action)
	}
}

func TestLoader_LoadsSequenceOfRules(t *testing.T) {
	l, dir := newTestLoader(t)
	writeRuleFile(t, dir, "multi.procsi.yaml", `
- name: first
  action: { type: observe }
- name: second
  action: { type: observe }
`)
	l.Reload()

	rules := l.Rules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Name != "first" || rules[1].Name != "second" {
		t.Errorf("unexpected rule order/names: %+v", rules)
	}
}

func TestLoader_InvalidFileEmitsLoadErrorWithoutBlockingOthers(t *testing.T) {
	l, dir := newTestLoader(t)
	writeRuleFile(t, dir, "broken.procsi.yaml", `action: { type: nonsense }`)
	writeRuleFile(t, dir, "ok.procsi.yaml", `action: { type: observe }`)
	l.Reload()

	rules := l.Rules()
	if len(rules) != 1 || rules[0].SourceFile == "" {
		t.Fatalf("expected the valid file's rule to still load, got %+v", rules)
	}

	errs := l.events.Since(0, eventlog.Filter{Type: eventlog.TypeLoadError})
	if len(errs) == 0 {
		t.Error("expected a load_error event for the broken file")
	}
}

func TestLoader_ScansFilesAlphabetically(t *testing.T) {
	l, dir := newTestLoader(t)
	writeRuleFile(t, dir, "b.procsi.yaml", `name: b
action: { type: observe }`)
	writeRuleFile(t, dir, "a.procsi.yaml", `name: a
action: { type: observe }`)
	l.Reload()

	rules := l.Rules()
	if len(rules) != 2 || rules[0].Name != "a" || rules[1].Name != "b" {
		t.Fatalf("expected alphabetical order [a b], got %+v", rules)
	}
}

func TestLoader_IgnoresFilesWithoutTheRuleExtension(t *testing.T) {
	l, dir := newTestLoader(t)
	writeRuleFile(t, dir, "notes.txt", `this is not a rule file`)
	l.Reload()

	if len(l.Rules()) != 0 {
		t.Errorf("expected no rules loaded from a non-matching file")
	}
}

func TestRule_MatchesUsesConjunctivePredicates(t *testing.T) {
	r := Rule{
		Match: Match{
			Methods:    []string{"GET", "POST"},
			HostSuffix: ".example.com",
			PathPrefix: "/v1/",
			Headers:    map[string]string{"x-test": "1"},
		},
	}

	match := RequestView{Method: "GET", Host: "api.example.com", Path: "/v1/widgets", Headers: map[string]string{"X-Test": "1"}}
	if !r.Matches(match) {
		t.Error("expected all predicates to match")
	}

	wrongMethod := match
	wrongMethod.Method = "DELETE"
	if r.Matches(wrongMethod) {
		t.Error("expected method mismatch to fail")
	}

	wrongHeader := match
	wrongHeader.Headers = map[string]string{"x-test": "0"}
	if r.Matches(wrongHeader) {
		t.Error("expected header value mismatch to fail")
	}
}

func TestRule_ZeroValueMatchIsUnconditional(t *testing.T) {
	r := Rule{}
	if !r.Matches(RequestView{Method: "GET", Host: "anything", Path: "/"}) {
		t.Error("expected a zero-value Match to match unconditionally")
	}
}
