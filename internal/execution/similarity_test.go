package execution

import (
	"encoding/json"
	"math"
	"testing"
)

func TestDiceSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick fox", "the quick fox", 1},
		{"case and punctuation", "Hello, World!", "hello world", 1},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"half overlap", "alpha beta", "alpha gamma", 0.5},
		{"both empty", "", "", 1},
		{"one empty", "alpha", "", 0},
		{"duplicates ignored", "alpha alpha beta", "alpha beta", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiceSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("DiceSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestKeyOverlap(t *testing.T) {
	expected := map[string]interface{}{"a": 1.0, "b": "x", "c": true}
	actual := map[string]interface{}{"a": 1.0, "b": "y", "d": false}

	score, diffs := KeyOverlap(expected, actual)
	// union {a,b,c,d}, only a matches
	if math.Abs(score-0.25) > 1e-9 {
		t.Errorf("Expected 0.25, got %v", score)
	}
	if len(diffs) != 3 {
		t.Errorf("Expected 3 differences, got %v", diffs)
	}

	score, diffs = KeyOverlap(map[string]interface{}{}, map[string]interface{}{})
	if score != 1 || len(diffs) != 0 {
		t.Errorf("Two empty records should match fully, got %v %v", score, diffs)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		expected  interface{}
		actual    interface{}
		threshold float64
		wantDiffs bool
	}{
		{"no expectation", nil, "anything", 0.8, false},
		{"similar text", "the answer is forty two", "The answer is forty-two", 0.7, false},
		{"dissimilar text", "the answer is forty two", "no idea", 0.7, true},
		{"text expected, number given", "hello", 42, 0.7, true},
		{"record match", map[string]interface{}{"status": "ok"}, map[string]interface{}{"status": "ok"}, 1, false},
		{"record as JSON text", map[string]interface{}{"status": "ok"}, `{"status":"ok"}`, 1, false},
		{"record mismatch", map[string]interface{}{"status": "ok"}, map[string]interface{}{"status": "err"}, 1, true},
		{"raw message vs map", json.RawMessage(`{"n":1}`), map[string]interface{}{"n": 1}, 1, false},
		{"number exact", 3, 3.0, 1, false},
		{"number mismatch", 3, 4, 1, true},
		{"list exact", []int{1, 2}, []interface{}{1.0, 2.0}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diffs := Compare(tt.expected, tt.actual, tt.threshold)
			if (len(diffs) > 0) != tt.wantDiffs {
				t.Errorf("Compare() = %v, wantDiffs %v", diffs, tt.wantDiffs)
			}
		})
	}
}
