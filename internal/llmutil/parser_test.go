package llmutil

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/saccessco/api/schemas"
)

const fence = "```"

func TestParseStructuredResponse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  schemas.StructuredResponse
	}{
		{
			name:  "preamble ending in colon joins with a space",
			input: "Here you go: " + fence + "json\n{\"speak\":\"hi\",\"execute\":[]}\n" + fence,
			want:  schemas.StructuredResponse{Speak: "Here you go: hi"},
		},
		{
			name:  "not json at all",
			input: "not json at all",
			want:  schemas.StructuredResponse{Speak: "not json at all"},
		},
		{
			name:  "bare object",
			input: `{"speak":"Clicking search.","execute":[{"selector":"#q","action":"click","data":null}]}`,
			want: schemas.StructuredResponse{
				Speak:   "Clicking search.",
				Execute: schemas.Execute{Plan: []schemas.Step{{Selector: "#q", Action: schemas.ActionClick}}},
			},
		},
		{
			name:  "preamble without punctuation joins with a comma",
			input: `Sure {"speak":"done","execute":[]}`,
			want:  schemas.StructuredResponse{Speak: "Sure, done"},
		},
		{
			name:  "preamble ending in a full stop joins with a space",
			input: `Okay. {"speak":"done"}`,
			want:  schemas.StructuredResponse{Speak: "Okay. done"},
		},
		{
			name:  "single step mapping is wrapped",
			input: `{"speak":"typing","execute":{"selector":"#name","action":"typeInto","data":"Ada"}}`,
			want: schemas.StructuredResponse{
				Speak:   "typing",
				Execute: schemas.Execute{Plan: []schemas.Step{{Selector: "#name", Action: schemas.ActionTypeInto, Data: "Ada"}}},
			},
		},
		{
			name:  "plan envelope is kept",
			input: fence + "\n{\"speak\":\"go\",\"execute\":{\"plan\":[{\"selector\":\"#a\",\"action\":\"click\",\"data\":null}],\"parameters\":{\"date\":\"1/1/2025\"}}}\n" + fence,
			want: schemas.StructuredResponse{
				Speak: "go",
				Execute: schemas.Execute{
					Plan:       []schemas.Step{{Selector: "#a", Action: schemas.ActionClick}},
					Parameters: map[string]any{"date": "1/1/2025"},
				},
			},
		},
		{
			name:  "missing execute defaults to empty",
			input: `{"speak":"just talking"}`,
			want:  schemas.StructuredResponse{Speak: "just talking"},
		},
		{
			name:  "non-object json becomes speech",
			input: `"a quoted answer"`,
			want:  schemas.StructuredResponse{Speak: `"a quoted answer"`},
		},
		{
			name:  "json array inside a fence is stringified",
			input: fence + "json\n[1,2]\n" + fence,
			want:  schemas.StructuredResponse{Speak: "[1,2]"},
		},
		{
			name:  "trailing prose is preamble too",
			input: `{"speak":"Filled the form"} Let me know if anything else is needed`,
			want:  schemas.StructuredResponse{Speak: "Let me know if anything else is needed, Filled the form"},
		},
		{
			name:  "unmatched trailing brace stays in the preamble",
			input: `Result {"speak":"one"} and then {oops`,
			want:  schemas.StructuredResponse{Speak: "Result and then {oops, one"},
		},
		{
			name:  "two objects fall back to the first balanced one",
			input: `A {"speak":"one"} B {"x":2}`,
			want:  schemas.StructuredResponse{Speak: `A B {"x":2}, one`},
		},
		{
			name:  "malformed object falls back to speech",
			input: `  {"speak": "unterminated  `,
			want:  schemas.StructuredResponse{Speak: `{"speak": "unterminated`},
		},
		{
			name:  "non-string speak is stringified",
			input: `{"speak": 42}`,
			want:  schemas.StructuredResponse{Speak: "42"},
		},
		{
			name:  "execute of the wrong type is dropped",
			input: `{"speak":"hm","execute":"click the button"}`,
			want:  schemas.StructuredResponse{Speak: "hm"},
		},
		{
			name:  "braces in trailing prose do not hide the plan",
			input: `Sure. {"speak":"hi","execute":[{"selector":"#go","action":"click","data":null}]} (see {docs})`,
			want: schemas.StructuredResponse{
				Speak:   "Sure. (see {docs}), hi",
				Execute: schemas.Execute{Plan: []schemas.Step{{Selector: "#go", Action: schemas.ActionClick}}},
			},
		},
		{
			name:  "adjacent objects keep the first",
			input: `{"speak":"a"} {"speak":"b"}`,
			want:  schemas.StructuredResponse{Speak: `{"speak":"b"}, a`},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseStructuredResponse(tc.input)
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ParseStructuredResponse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractJSON_PrefersJSONTaggedFence(t *testing.T) {
	t.Parallel()
	input := fence + "text\n{\"speak\":\"untagged\"}\n" + fence + "\n" + fence + "json\n{\"speak\":\"tagged\"}\n" + fence
	jsonText, _, ok := ExtractJSON(input)
	require.True(t, ok)
	assert.Contains(t, jsonText, "tagged")
	assert.NotContains(t, jsonText, "untagged")
}

func TestExtractJSON_FenceWithTrailingTextFallsThrough(t *testing.T) {
	t.Parallel()
	input := fence + "\n{\"speak\":\"hi\"} trailing\n" + fence
	jsonText, preamble, ok := ExtractJSON(input)
	require.True(t, ok)
	assert.Equal(t, `{"speak":"hi"}`, jsonText)
	assert.Contains(t, preamble, "trailing")

	resp := ParseStructuredResponse(input)
	assert.True(t, strings.HasSuffix(resp.Speak, "hi"), resp.Speak)
	assert.NotContains(t, resp.Speak, `"speak"`)
}

func TestExtractJSON_NoJSON(t *testing.T) {
	t.Parallel()
	_, _, ok := ExtractJSON("nothing to see here")
	assert.False(t, ok)
}

func TestMergeSpeech(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hi", MergeSpeech("", "hi"))
	assert.Equal(t, "Hello", MergeSpeech("Hello", ""))
	assert.Equal(t, "Done! Next", MergeSpeech("Done!", "Next"))
	assert.Equal(t, "Really? Yes", MergeSpeech("Really?", "Yes"))
	assert.Equal(t, "Alright, go", MergeSpeech("Alright", "go"))
}

func TestParseJSONResponse_Generic(t *testing.T) {
	t.Parallel()
	type kwargs struct {
		Date string `json:"date"`
	}

	got, err := ParseJSONResponse[kwargs]("Sure thing: " + fence + "json\n{\"date\":\"1/2/2025\"}\n" + fence)
	require.NoError(t, err)
	assert.Equal(t, "1/2/2025", got.Date)

	_, err = ParseJSONResponse[kwargs]("no json")
	assert.ErrorContains(t, err, "failed to unmarshal LLM JSON response")
}

func TestTruncateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "ab...", TruncateString("abcdef", 2))
	assert.Equal(t, "", TruncateString("abc", 0))
	// Never splits a multi-byte rune.
	assert.Equal(t, "...", TruncateString("éé", 1))
}

// FuzzParseStructuredResponse checks that parsing never panics and always
// yields a structurally valid result.
func FuzzParseStructuredResponse(f *testing.F) {
	f.Add([]byte("Here you go: " + fence + "json\n{\"speak\":\"hi\",\"execute\":[]}\n" + fence))
	f.Add([]byte(`{"speak":"x","execute":{"plan":[{"selector":"#a","action":"click"}]}}`))
	f.Add([]byte("{{{}}}"))

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		prose, err := consumer.GetString()
		if err != nil {
			return
		}
		body, err := consumer.GetString()
		if err != nil {
			return
		}

		resp := ParseStructuredResponse(prose + " " + body)
		if resp.Execute.Plan == nil && !resp.Execute.Empty() {
			t.Fatalf("nil plan reported as non-empty")
		}
		if strings.TrimSpace(prose+body) == "" && resp.Speak != "" {
			t.Fatalf("blank input produced speech %q", resp.Speak)
		}
	})
}
