package prediction

import (
	"testing"

	"github.com/quantumlife/gatekeeper/internal/core"
)

func predicted(v string) Result {
	return Result{Strategy: StrategyCBRMajority, PredictedValue: &v}
}

func TestExtractQualifier(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"yes, but only the old files", "only the old files", true},
		{"Yes - after the freeze", "after the freeze", true},
		{"no; unless the tests pass", "unless the tests pass", true},
		{"yes (staging only)", "staging only", true},
		{"yes", "", false},
		{"No.", "", false},
		{"yesterday works", "", false},
		{"approved", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractQualifier(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ExtractQualifier(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestYesNoBucket(t *testing.T) {
	tests := map[string]string{
		"yes":           Yes,
		"YES please":    Yes,
		"yesterday":     Yes,
		"no":            No,
		"sure":          No,
		"":              No,
		"  Yes, but...": Yes,
	}
	for in, want := range tests {
		if got := YesNoBucket(in); got != want {
			t.Errorf("YesNoBucket(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestComparators(t *testing.T) {
	tests := []struct {
		name   string
		rt     core.ResponseType
		pred   Result
		actual interface{}
		want   bool
	}{
		{"yes_no match", core.ResponseYesNo, predicted("yes"), "Yes, go ahead", true},
		{"yes_no bool", core.ResponseYesNo, predicted("no"), false, true},
		{"yes_no mismatch", core.ResponseYesNo, predicted("yes"), "nah", false},
		{"yes_no missing", core.ResponseYesNo, predicted("yes"), nil, false},
		{"cold start", core.ResponseYesNo, Result{Strategy: StrategyColdStart}, "yes", false},
		{"choice case-insensitive", core.ResponseMultipleChoice, predicted("Option B"), " option b ", true},
		{"choice mismatch", core.ResponseMultipleChoice, predicted("A"), "B", false},
		{"open ended overlap", core.ResponseOpenEnded, predicted("rerun the flaky test suite"), "rerun the flaky suite", true},
		{"open ended disjoint", core.ResponseOpenEnded, predicted("ship it"), "wait for review", false},
		{"answer key", core.ResponseMultipleChoice, predicted("A"), map[string]interface{}{"answer": "a"}, true},
		{"batch half", core.ResponseOpenEndedBatch, predicted("merge the pr\nclose the issue"), []string{"merge the pr", "reopen ticket"}, true},
		{"batch under half", core.ResponseOpenEndedBatch, predicted("merge the pr"), []interface{}{"close it", "reopen ticket", "merge the pr"}, false},
		{"batch empty", core.ResponseOpenEndedBatch, predicted("x"), []string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := ComparatorFor(tt.rt)(tt.pred, NormalizeActual(tt.actual))
			if got != tt.want {
				t.Errorf("match = %v (%s), want %v", got, detail, tt.want)
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	if j := Jaccard("a b c", "a b d"); j != 0.5 {
		t.Errorf("Jaccard = %v, want 0.5", j)
	}
	if j := Jaccard("", ""); j != 0 {
		t.Errorf("Jaccard of empty = %v", j)
	}
	if j := Jaccard("Hello, World!", "hello world"); j != 1 {
		t.Errorf("Jaccard ignoring punctuation = %v", j)
	}
}
