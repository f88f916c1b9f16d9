// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonFenceRegex matches a fenced block explicitly tagged as JSON.
	jsonFenceRegex = regexp.MustCompile("(?is)\x60\x60\x60json\\s*(.*?)\\s*\x60\x60\x60")
	// anyFenceRegex matches any fenced block, with or without a language tag.
	anyFenceRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z0-9_+-]*\\s*(.*?)\\s*\x60\x60\x60")
)

// speechTerminators end a preamble that can be followed directly by speech.
const speechTerminators = ".!?:;,"

// ParseJSONResponse attempts to parse an LLM response string into a target Go type using generics.
// It accepts fenced blocks and JSON embedded in conversational text.
func ParseJSONResponse[T any](response string) (*T, error) {
	jsonText, _, ok := ExtractJSON(response)
	if !ok {
		jsonText = strings.TrimSpace(response)
	}

	var result T
	if err := json.Unmarshal([]byte(jsonText), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, TruncateString(jsonText, 500))
	}
	return &result, nil
}

// ExtractJSON locates the JSON value embedded in free text. It prefers a
// json-tagged fenced block, then any fenced block, then the widest {...}
// region. preamble is whatever text surrounds the extracted region.
func ExtractJSON(text string) (jsonText, preamble string, ok bool) {
	for _, re := range []*regexp.Regexp{jsonFenceRegex, anyFenceRegex} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			candidate := strings.TrimSpace(text[loc[2]:loc[3]])
			if isJSON(candidate) {
				return candidate, surrounding(text, loc[0], loc[1]), true
			}
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return "", "", false
	}
	if candidate := text[start : end+1]; isJSON(candidate) {
		return candidate, surrounding(text, start, end+1), true
	}

	// The widest region may span two objects or trailing prose with braces;
	// fall back to the first balanced object.
	if bEnd, found := balancedObjectEnd(text, start); found {
		candidate := text[start:bEnd]
		if isJSON(candidate) {
			return candidate, surrounding(text, start, bEnd), true
		}
	}
	return "", "", false
}

// isJSON reports whether s holds exactly one JSON value. Unmarshal rejects
// trailing bytes where json.Valid only checks the leading value.
func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// ParseStructuredResponse turns raw model output into a StructuredResponse.
// It never fails: unparseable input becomes speech with an empty plan.
func ParseStructuredResponse(text string) schemas.StructuredResponse {
	jsonText, preamble, ok := ExtractJSON(text)
	if !ok {
		return schemas.StructuredResponse{Speak: strings.TrimSpace(text)}
	}

	var value any
	if err := json.Unmarshal([]byte(jsonText), &value); err != nil {
		return schemas.StructuredResponse{Speak: strings.TrimSpace(text)}
	}

	var resp schemas.StructuredResponse
	fields, isObject := value.(map[string]any)
	if !isObject {
		resp.Speak = stringify(value)
	} else {
		resp.Speak = stringify(fields["speak"])
		if raw, present := fields["execute"]; present && raw != nil {
			resp.Execute = decodeExecute(raw)
		}
	}

	resp.Speak = MergeSpeech(preamble, resp.Speak)
	return resp
}

// MergeSpeech joins preamble and speak. A preamble already ending in
// punctuation is followed by a space, anything else by a comma and a space.
func MergeSpeech(preamble, speak string) string {
	preamble = strings.TrimSpace(preamble)
	speak = strings.TrimSpace(speak)
	switch {
	case preamble == "":
		return speak
	case speak == "":
		return preamble
	}
	last, _ := utf8.DecodeLastRuneInString(preamble)
	if strings.ContainsRune(speechTerminators, last) {
		return preamble + " " + speak
	}
	return preamble + ", " + speak
}

func decodeExecute(raw any) schemas.Execute {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return schemas.Execute{}
	}
	var exec schemas.Execute
	if err := json.Unmarshal(encoded, &exec); err != nil {
		return schemas.Execute{}
	}
	return exec
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(encoded)
	}
}

// surrounding returns the text outside [start, end), joined by a space.
func surrounding(text string, start, end int) string {
	before := strings.TrimSpace(text[:start])
	after := strings.TrimSpace(text[end:])
	switch {
	case before == "":
		return after
	case after == "":
		return before
	}
	return before + " " + after
}

// balancedObjectEnd scans from an opening brace and returns the index just
// past its matching close brace, honouring JSON string escapes.
func balancedObjectEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// TruncateString truncates a string to a maximum length in bytes, appending "..." when cut.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Back off to a rune boundary so the excerpt stays valid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
