package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
)

// FallbackParser extracts tool calls from response text for backends that do
// not populate the structured tool_calls field. Small local models served
// through llama.cpp and friends frequently do this.
type FallbackParser struct {
	patterns []*regexp.Regexp
}

func NewFallbackParser() *FallbackParser {
	return &FallbackParser{
		patterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Single object format: {"name": "tool", "arguments": {...}}
			regexp.MustCompile(`\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}`),
		},
	}
}

// ParseToolCalls returns the tool calls found in text, or nil when the text
// is a plain answer.
func (p *FallbackParser) ParseToolCalls(text string) []ports.ToolCall {
	var calls []ports.ToolCall
	for _, pattern := range p.patterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			args := strings.TrimSpace(match[2])
			if !json.Valid([]byte(args)) {
				args = fixJSON(args)
				if !json.Valid([]byte(args)) {
					continue
				}
			}
			calls = append(calls, ports.ToolCall{Name: name, Args: json.RawMessage(args)})
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return calls
}

var (
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeys   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// fixJSON patches the JSON mistakes small models make most often.
func fixJSON(s string) string {
	s = trailingCommas.ReplaceAllString(s, "$1")
	s = unquotedKeys.ReplaceAllString(s, `$1"$2":`)
	s = strings.ReplaceAll(s, "'", `"`)
	return s
}
