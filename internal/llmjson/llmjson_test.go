package llmjson

import "testing"

func TestParseObject_FixUps(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want interface{}
	}{
		{"plain", `{"a": 1}`, "a", float64(1)},
		{"code fence", "```json\n{\"a\": 2}\n```", "a", float64(2)},
		{"bare fence", "```\n{\"a\": 3}\n```", "a", float64(3)},
		{"prose around", `Sure! Here is the result: {"a": 4} hope it helps`, "a", float64(4)},
		{"trailing comma", `{"a": 5,}`, "a", float64(5)},
		{"python true", `{"a": True}`, "a", true},
		{"python none", `{"a": None}`, "a", nil},
		{"wrapped array", `[{"a": 6}]`, "a", float64(6)},
		{"single quotes json5", `{a: 'seven'}`, "a", "seven"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := ParseObject(tt.in)
			if err != nil {
				t.Fatalf("ParseObject: %v", err)
			}
			if got := obj[tt.key]; got != tt.want {
				t.Errorf("obj[%q] = %v (%T), want %v", tt.key, got, got, tt.want)
			}
		})
	}
}

func TestParseObject_Errors(t *testing.T) {
	for _, in := range []string{"", "no json here at all", `[1, 2, 3]`} {
		if _, err := ParseObject(in); err == nil {
			t.Errorf("ParseObject(%q) succeeded, want error", in)
		}
	}
}

func TestExtract_IgnoresBracesInStrings(t *testing.T) {
	in := `prefix {"text": "a } inside", "n": 1} suffix`
	got := Extract(in)
	want := `{"text": "a } inside", "n": 1}`
	if got != want {
		t.Errorf("Extract = %q, want %q", got, want)
	}
}

func TestParse_TypedTarget(t *testing.T) {
	var v struct {
		Scope   int     `json:"scope"`
		Novelty float64 `json:"novelty"`
	}
	if err := Parse("```json\n{\"scope\": 4, \"novelty\": 0.7,}\n```", &v); err != nil {
		t.Fatal(err)
	}
	if v.Scope != 4 || v.Novelty != 0.7 {
		t.Errorf("parsed %+v", v)
	}
}
