package prediction

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// JaccardThreshold is the token overlap at which open-ended answers match
const JaccardThreshold = 0.5

// Comparator scores a prediction against the actual answer
type Comparator func(predicted Result, actual map[string]interface{}) (match bool, detail string)

var comparators = map[core.ResponseType]Comparator{
	core.ResponseYesNo:          compareYesNo,
	core.ResponseMultipleChoice: compareMultipleChoice,
	core.ResponseOpenEnded:      compareOpenEnded,
	core.ResponseOpenEndedBatch: compareOpenEndedBatch,
}

// ComparatorFor returns the comparator for a response type. Unknown types
// fall back to yes/no.
func ComparatorFor(rt core.ResponseType) Comparator {
	if c, ok := comparators[rt]; ok {
		return c
	}
	return compareYesNo
}

func compareYesNo(predicted Result, actual map[string]interface{}) (bool, string) {
	if predicted.PredictedValue == nil {
		return false, "no_prediction"
	}
	value, ok := actualValue(actual)
	if !ok {
		return false, "missing_actual"
	}
	want, got := YesNoBucket(*predicted.PredictedValue), YesNoBucket(value)
	if want == got {
		return true, "match"
	}
	return false, fmt.Sprintf("predicted=%s actual=%s", want, got)
}

func compareMultipleChoice(predicted Result, actual map[string]interface{}) (bool, string) {
	if predicted.PredictedValue == nil {
		return false, "no_prediction"
	}
	value, ok := actualValue(actual)
	if !ok {
		return false, "missing_actual"
	}
	if strings.EqualFold(strings.TrimSpace(*predicted.PredictedValue), strings.TrimSpace(value)) {
		return true, "match"
	}
	return false, fmt.Sprintf("predicted=%q actual=%q", *predicted.PredictedValue, value)
}

func compareOpenEnded(predicted Result, actual map[string]interface{}) (bool, string) {
	if predicted.PredictedValue == nil {
		return false, "no_prediction"
	}
	value, ok := actualValue(actual)
	if !ok {
		return false, "missing_actual"
	}
	j := Jaccard(*predicted.PredictedValue, value)
	return j >= JaccardThreshold, fmt.Sprintf("jaccard=%.2f", j)
}

// compareOpenEndedBatch pairs predicted lines with actual items by position
// and matches when at least half of the actual items match.
func compareOpenEndedBatch(predicted Result, actual map[string]interface{}) (bool, string) {
	if predicted.PredictedValue == nil {
		return false, "no_prediction"
	}
	want := splitLines(*predicted.PredictedValue)
	got := actualItems(actual)
	if len(got) == 0 {
		return false, "missing_actual"
	}

	matched := 0
	for i, item := range got {
		if i < len(want) && Jaccard(want[i], item) >= JaccardThreshold {
			matched++
		}
	}
	return matched*2 >= len(got), fmt.Sprintf("matched=%d/%d", matched, len(got))
}

// Jaccard is the token-set overlap of two texts, 0 when both are empty
func Jaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// NormalizeActual converts an answer of any supported shape to a map.
// Strings and bools land under "value", lists under "values".
func NormalizeActual(v interface{}) map[string]interface{} {
	switch a := v.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(a))
		for k, val := range a {
			out[k] = val
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(a))
		for k, val := range a {
			out[k] = val
		}
		return out
	case string:
		return map[string]interface{}{"value": a}
	case bool:
		if a {
			return map[string]interface{}{"value": Yes}
		}
		return map[string]interface{}{"value": No}
	case []string:
		items := make([]interface{}, len(a))
		for i, s := range a {
			items[i] = s
		}
		return map[string]interface{}{"values": items}
	case []interface{}:
		return map[string]interface{}{"values": a}
	default:
		return map[string]interface{}{"value": fmt.Sprint(a)}
	}
}

// actualValue finds the answer text in a normalised map
func actualValue(actual map[string]interface{}) (string, bool) {
	for _, key := range []string{"value", "answer", "response"} {
		switch v := actual[key].(type) {
		case string:
			return v, true
		case bool:
			if v {
				return Yes, true
			}
			return No, true
		}
	}
	return "", false
}

func actualItems(actual map[string]interface{}) []string {
	switch v := actual["values"].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	}
	if s, ok := actualValue(actual); ok {
		return splitLines(s)
	}
	return nil
}

var qualifierPattern = regexp.MustCompile(`(?i)^\s*(?:yes|no)\b[\s,;:.!\-\x{2013}\x{2014}(]*(?:(?:but|however|though|although)\b[\s,]*)?`)

// ExtractQualifier returns the condition attached to a yes/no answer:
// "yes, but only the old files" gives "only the old files".
func ExtractQualifier(value string) (string, bool) {
	loc := qualifierPattern.FindStringIndex(value)
	if loc == nil {
		return "", false
	}
	q := strings.TrimSpace(value[loc[1]:])
	q = strings.TrimRight(q, ").! ")
	if q == "" {
		return "", false
	}
	return q, true
}
