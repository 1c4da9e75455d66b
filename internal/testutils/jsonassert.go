package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as the key exists.
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
	IgnoreExtraKeys  bool     `default:"true"`
	AllowPresence    bool     `default:"true"`
	IgnoreArrayOrder bool     `default:"false"`
	IgnoredFields    []string `default:""`
}

// Option configures a JSONAsserter.
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(v bool) Option { return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v } }
func WithAllowPresence(v bool) Option   { return func(o *JSONAssertOptions) { o.AllowPresence = v } }
func WithIgnoreArrayOrder(v bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = v }
}
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports a readable diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	var opts JSONAssertOptions
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, o := range opts {
		o(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions { return ja.options }

// Assert fails the test when actualJSON does not match expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if h, ok := ja.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if d := ja.Diff(actualJSON, expectedJSON); d != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// AssertValue marshals actual and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) bool {
	if h, ok := ja.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	return ja.Assert(MustJSON(actual), expectedJSON)
}

// Diff returns "" when the documents match under the configured options.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	// ignored fields go first so they cannot influence array sorting
	for _, f := range ja.options.IgnoredFields {
		dropKey(expected, f)
		dropKey(actual, f)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	ja.align(expected, actual)

	expBytes, _ := json.Marshal(expected)
	actBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

// align resolves presence placeholders and prunes keys expected does not mention.
func (ja *JSONAsserter) align(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, keep := exp[k]; !keep {
					delete(act, k)
				}
			}
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder && ja.options.AllowPresence {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			ja.align(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				ja.align(exp[i], act[i])
			}
		}
	}
}

func dropKey(v any, key string) {
	switch n := v.(type) {
	case map[string]any:
		delete(n, key)
		for _, child := range n {
			dropKey(child, key)
		}
	case []any:
		for _, child := range n {
			dropKey(child, key)
		}
	}
}

func sortArrays(v any) {
	switch n := v.(type) {
	case map[string]any:
		for _, child := range n {
			sortArrays(child)
		}
	case []any:
		for _, child := range n {
			sortArrays(child)
		}
		sort.SliceStable(n, func(i, j int) bool { return MustJSON(n[i]) < MustJSON(n[j]) })
	}
}
