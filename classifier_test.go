package chorus

import "testing"

func TestClassifierResultSelected(t *testing.T) {
	if (ClassifierResult{}).Selected() {
		t.Error("expected zero-value result to report unselected")
	}
	if !(ClassifierResult{SelectedAgentID: "weather-bot"}).Selected() {
		t.Error("expected non-empty SelectedAgentID to report selected")
	}
}

func TestClassifierResultSelectedIgnoresConfidenceAlone(t *testing.T) {
	result := ClassifierResult{Confidence: 0.9}
	if result.Selected() {
		t.Error("expected a nonzero confidence with no agent id to still report unselected")
	}
}

func TestClampConfidence(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{-1, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, c := range cases {
		if got := clampConfidence(c.in); got != c.want {
			t.Errorf("clampConfidence(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
