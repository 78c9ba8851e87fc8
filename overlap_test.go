package chorus

import "testing"

func TestAnalyzeOverlapRequiresTwoAgents(t *testing.T) {
	r := NewAgentRegistry()
	r.AddAgent(&fakeAgent{name: "Solo"})

	_, _, err := r.AnalyzeOverlap()
	if err == nil {
		t.Fatal("expected error with fewer than two agents")
	}
}

func TestAnalyzeOverlapRanksSimilarDescriptionsHigher(t *testing.T) {
	r := NewAgentRegistry()
	r.AddAgent(&fakeAgent{name: "Weather Bot", desc: "Answers questions about current weather and forecasts"})
	r.AddAgent(&fakeAgent{name: "Forecast Bot", desc: "Answers questions about weather forecasts and conditions"})
	r.AddAgent(&fakeAgent{name: "Billing Bot", desc: "Handles invoices, payments, and account billing disputes"})

	overlaps, uniqueness, err := r.AnalyzeOverlap()
	if err != nil {
		t.Fatalf("AnalyzeOverlap returned error: %v", err)
	}
	if len(overlaps) != 3 {
		t.Fatalf("expected 3 pairs for 3 agents, got %d", len(overlaps))
	}

	top := overlaps[0]
	if !(top.AgentA == "weather-bot" || top.AgentB == "weather-bot") || !(top.AgentA == "forecast-bot" || top.AgentB == "forecast-bot") {
		t.Errorf("expected weather-bot/forecast-bot to be the most similar pair, got %+v", top)
	}
	if top.Conflict != "high" && top.Conflict != "medium" {
		t.Errorf("expected a non-trivial conflict level for near-duplicate descriptions, got %q", top.Conflict)
	}

	if len(uniqueness) != 3 {
		t.Fatalf("expected 3 uniqueness scores, got %d", len(uniqueness))
	}
	scores := map[string]float64{}
	for _, u := range uniqueness {
		scores[u.AgentID] = u.Score
	}
	if scores["billing-bot"] <= scores["weather-bot"] {
		t.Errorf("expected billing-bot to be more unique than weather-bot, got billing=%v weather=%v", scores["billing-bot"], scores["weather-bot"])
	}
}
