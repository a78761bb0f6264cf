package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in an expected document matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool `default:"true"`
	AllowPresencePlaceholder bool `default:"true"`
	IgnoreArrayOrder         bool `default:"false"`
	IgnoredFields            []string
}

type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Assert fails the test when actual does not match expected.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	ja.t.Helper()
	d, err := ja.Diff(actual, expected)
	if err != nil {
		ja.t.Errorf("json assertion: %v", err)
		return false
	}
	if d != "" {
		ja.t.Errorf("json mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns an ASCII diff of the normalized documents, or "" when they match.
func (ja *JSONAsserter) Diff(actual, expected string) (string, error) {
	var a, e any
	if err := json.Unmarshal([]byte(actual), &a); err != nil {
		return "", fmt.Errorf("actual: %w", err)
	}
	if err := json.Unmarshal([]byte(expected), &e); err != nil {
		return "", fmt.Errorf("expected: %w", err)
	}

	a, e = ja.normalize(a, e)

	// gojsondiff compares objects; wrap so arrays and scalars work too.
	left := map[string]any{"value": e}
	right := map[string]any{"value": a}
	diff := gojsondiff.New().CompareObjects(left, right)
	if !diff.Modified() {
		return "", nil
	}
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(diff)
}

func (ja *JSONAsserter) normalize(actual, expected any) (any, any) {
	for _, field := range ja.options.IgnoredFields {
		dropField(actual, field)
		dropField(expected, field)
	}
	if ja.options.AllowPresencePlaceholder {
		expected = fillPresence(expected, actual)
	}
	if ja.options.IgnoreExtraKeys {
		actual = pruneExtra(actual, expected)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(actual)
		sortArrays(expected)
	}
	return actual, expected
}

func fillPresence(expected, actual any) any {
	switch e := expected.(type) {
	case string:
		if e == PresencePlaceholder && actual != nil {
			return actual
		}
	case map[string]any:
		if a, ok := actual.(map[string]any); ok {
			for k, v := range e {
				e[k] = fillPresence(v, a[k])
			}
		}
	case []any:
		if a, ok := actual.([]any); ok {
			for i := range e {
				if i < len(a) {
					e[i] = fillPresence(e[i], a[i])
				}
			}
		}
	}
	return expected
}

func pruneExtra(actual, expected any) any {
	switch a := actual.(type) {
	case map[string]any:
		e, ok := expected.(map[string]any)
		if !ok {
			return actual
		}
		for k := range a {
			if _, keep := e[k]; !keep {
				delete(a, k)
				continue
			}
			a[k] = pruneExtra(a[k], e[k])
		}
	case []any:
		e, ok := expected.([]any)
		if !ok {
			return actual
		}
		for i := range a {
			if i < len(e) {
				a[i] = pruneExtra(a[i], e[i])
			}
		}
	}
	return actual
}

func dropField(v any, field string) {
	switch x := v.(type) {
	case map[string]any:
		delete(x, field)
		for _, child := range x {
			dropField(child, field)
		}
	case []any:
		for _, child := range x {
			dropField(child, field)
		}
	}
}

func sortArrays(v any) {
	switch x := v.(type) {
	case map[string]any:
		for _, child := range x {
			sortArrays(child)
		}
	case []any:
		for _, child := range x {
			sortArrays(child)
		}
		sort.SliceStable(x, func(i, j int) bool { return MustJSON(x[i]) < MustJSON(x[j]) })
	}
}

func WithIgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

func WithAllowPresencePlaceholder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = v }
}

func WithIgnoreArrayOrder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = v }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
