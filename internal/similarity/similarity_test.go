package similarity

import (
	"math"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{}},
		{"single word", "Deploy", []string{"deploy"}},
		{"punctuation", "run tests, then tag_and_push!", []string{"run", "tests", "then", "tag_and_push"}},
		{"digits", "go 1.26", []string{"go", "1", "26"}},
		{"unicode letters", "Größe prüfen", []string{"größe", "prüfen"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Tokenize(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestContent(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"both empty", "", "", 1.0},
		{"one empty", "run tests", "", 0.0},
		{"identical", "run the tests", "run the tests", 1.0},
		{"case insensitive", "Run Tests", "run tests", 1.0},
		{"disjoint", "run tests", "tag release", 0.0},
		{"partial", "run unit tests", "run integration tests", 0.5},
		{"duplicates ignored", "run run tests", "run tests", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Content(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Content(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSequence(t *testing.T) {
	a := []string{"run tests", "tag and push"}
	if got := Sequence(a, []string{"tag and push", "run tests"}); got != 1.0 {
		t.Errorf("reordered steps = %v, want 1.0", got)
	}
	if got := Sequence(a, []string{"rollback database"}); got != 0.0 {
		t.Errorf("unrelated steps = %v, want 0.0", got)
	}
	if got := Sequence(nil, nil); got != 1.0 {
		t.Errorf("empty sequences = %v, want 1.0", got)
	}
}
