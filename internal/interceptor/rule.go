// Package interceptor compiles and hot-reloads the declarative YAML
// rule files that stand in for user interceptor scripts: each
// "*.procsi.yaml" file in the interceptors directory compiles to one
// or more Rule values the runner selects against per request.
package interceptor

import (
	"fmt"
	"strings"
)

// ActionType is the closed set of actions a rule may declare.
type ActionType string

const (
	ActionMock    ActionType = "mock"
	ActionModify  ActionType = "modify"
	ActionObserve ActionType = "observe"
)

// Match is a rule's optional selection predicate. A zero-value Match
// selects unconditionally.
type Match struct {
	Methods    []string          `yaml:"methods,omitempty" json:"methods,omitempty"`
	HostSuffix string            `yaml:"hostSuffix,omitempty" json:"hostSuffix,omitempty"`
	PathPrefix string            `yaml:"pathPrefix,omitempty" json:"pathPrefix,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Action describes what a matched rule does, per ActionType.
type Action struct {
	Type ActionType `yaml:"type" json:"type"`

	// mock
	Status  int               `yaml:"status,omitempty" json:"status,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`

	// modify
	SetHeaders    map[string]string `yaml:"setHeaders,omitempty" json:"setHeaders,omitempty"`
	RemoveHeaders []string          `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`

	// observe / any
	Log string `yaml:"log,omitempty" json:"log,omitempty"`
}

// Rule is one compiled interceptor. Name defaults to the source file
// name (minus extension) when left blank in the YAML. json tags exist
// alongside yaml ones because the control server serialises the
// loader's snapshot as-is for listInterceptors.
type Rule struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Match  Match  `yaml:"match,omitempty" json:"match,omitempty"`
	Action Action `yaml:"action" json:"action"`

	// SourceFile is the path the rule was loaded from, used for
	// load-order determinism and error attribution; not part of the
	// YAML shape itself.
	SourceFile string `yaml:"-" json:"sourceFile,omitempty"`
}

// validate checks a rule's shape at load time so malformed files
// produce a load_error event instead of failing at match/select time.
func (r Rule) validate() error {
	switch r.Action.Type {
	case ActionMock:
		if r.Action.Status < 100 || r.Action.Status > 599 {
			return fmt.Errorf("mock action: status %d out of range [100, 599]", r.Action.Status)
		}
	case ActionModify:
		// setHeaders/removeHeaders are both optional; nothing further to
		// validate about their shape once YAML decoding has succeeded.
	case ActionObserve:
		// no action-specific fields
	case "":
		return fmt.Errorf("action.type must be set")
	default:
		return fmt.Errorf("unknown action.type %q", r.Action.Type)
	}
	return nil
}

// Matches reports whether req satisfies r's Match predicate. A
// zero-value Match (no fields set) matches unconditionally.
func (r Rule) Matches(req RequestView) bool {
	m := r.Match

	if len(m.Methods) > 0 {
		found := false
		for _, method := range m.Methods {
			if strings.EqualFold(method, req.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if m.HostSuffix != "" {
		if !strings.HasSuffix(strings.ToLower(req.Host), strings.ToLower(m.HostSuffix)) {
			return false
		}
	}

	if m.PathPrefix != "" {
		if !strings.HasPrefix(req.Path, m.PathPrefix) {
			return false
		}
	}

	for name, want := range m.Headers {
		got, ok := lookupHeaderFold(req.Headers, name)
		if !ok || got != want {
			return false
		}
	}

	return true
}

// RequestView is the minimal read-only view of a request a rule's
// Match predicate evaluates against.
type RequestView struct {
	Method  string
	Host    string
	Path    string
	Headers map[string]string
}

func lookupHeaderFold(headers map[string]string, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}
