package relay

import (
	"fmt"
	"unicode"
)

// DefaultScript is the script output text must contain to reach the client.
const DefaultScript = "Hangul"

// ScriptFilter admits text fragments that contain at least one rune of a
// Unicode script. Letters, digits and punctuation of other scripts alone are
// rejected, which suppresses the backend drifting into a fallback language.
type ScriptFilter struct {
	name  string
	table *unicode.RangeTable
}

// NewScriptFilter returns a filter for a script name from [unicode.Scripts]
// such as "Hangul", "Han" or "Hiragana".
func NewScriptFilter(name string) (*ScriptFilter, error) {
	table, ok := unicode.Scripts[name]
	if !ok {
		return nil, fmt.Errorf("relay: unknown unicode script %q", name)
	}
	return &ScriptFilter{name: name, table: table}, nil
}

// Script returns the configured script name.
func (f *ScriptFilter) Script() string { return f.name }

// Admit reports whether text contains a rune of the script.
func (f *ScriptFilter) Admit(text string) bool {
	for _, r := range text {
		if unicode.Is(f.table, r) {
			return true
		}
	}
	return false
}
