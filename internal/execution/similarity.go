package execution

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// DiceSimilarity scores two strings by the overlap of their unique,
// lowercased word sets: 2|A∩B| / (|A|+|B|). Two empty inputs score 1.
func DiceSimilarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	shared := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(wa)+len(wb))
}

func wordSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// KeyOverlap returns the fraction of the union of top-level keys whose values
// are equal in both records. Two empty records score 1.
func KeyOverlap(expected, actual map[string]interface{}) (float64, []string) {
	keys := make(map[string]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 1, nil
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	matches := 0
	var diffs []string
	for _, k := range sorted {
		ev, inExpected := expected[k]
		av, inActual := actual[k]
		switch {
		case !inActual:
			diffs = append(diffs, fmt.Sprintf("missing field %q", k))
		case !inExpected:
			diffs = append(diffs, fmt.Sprintf("unexpected field %q", k))
		case reflect.DeepEqual(ev, av):
			matches++
		default:
			diffs = append(diffs, fmt.Sprintf("field %q: expected %s, got %s", k, render(ev), render(av)))
		}
	}
	return float64(matches) / float64(len(keys)), diffs
}

// Compare checks an executor output against the expected output and returns
// the differences, or nil when the output is acceptable. Strings are compared
// by Dice similarity, records by key overlap, everything else exactly.
func Compare(expected, actual interface{}, threshold float64) []string {
	if expected == nil {
		return nil
	}
	expected, actual = normalize(expected), normalize(actual)

	switch exp := expected.(type) {
	case string:
		act, ok := actual.(string)
		if !ok {
			return []string{fmt.Sprintf("expected text output, got %s", render(actual))}
		}
		score := DiceSimilarity(exp, act)
		if score >= threshold {
			return nil
		}
		return []string{fmt.Sprintf("output similarity %.2f is below %.2f; expected something like %s",
			score, threshold, render(exp))}

	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			// Executors often return JSON as text
			if s, isString := actual.(string); isString {
				var parsed map[string]interface{}
				if json.Unmarshal([]byte(s), &parsed) == nil {
					act, ok = parsed, true
				}
			}
		}
		if !ok {
			return []string{fmt.Sprintf("expected a record, got %s", render(actual))}
		}
		score, diffs := KeyOverlap(exp, act)
		if score >= threshold {
			return nil
		}
		return diffs

	default:
		if reflect.DeepEqual(expected, actual) {
			return nil
		}
		return []string{fmt.Sprintf("expected %s, got %s", render(expected), render(actual))}
	}
}

// normalize round-trips through JSON so numbers, raw messages and typed
// structs compare as plain JSON values.
func normalize(v interface{}) interface{} {
	var data []byte
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case json.RawMessage:
		data = val
	case []byte:
		data = val
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return v
		}
	}

	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func render(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncateString(string(data), 80)
}
