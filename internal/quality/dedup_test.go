package quality

import "testing"

func TestSimilarityIdenticalRowsIsExact(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	a := Row{Code: "AAPL", Date: "2026-07-30", Open: 100, High: 105, Low: 95, Close: 102, Volume: 1000}
	score := d.Similarity(a, a)
	if score != 1.0 {
		t.Errorf("Similarity(a, a) = %v, want 1.0", score)
	}
	if d.Classify(score) != ClassExact {
		t.Errorf("Classify(1.0) = %v, want exact", d.Classify(score))
	}
}

func TestSimilarityDifferentCodeIsNotDuplicate(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	a := Row{Code: "AAPL", Date: "2026-07-30", Close: 102, Volume: 1000}
	b := Row{Code: "MSFT", Date: "2026-01-01", Close: 400, Volume: 9000}
	score := d.Similarity(a, b)
	if d.IsDuplicate(score) {
		t.Errorf("expected unrelated rows to not be classified as duplicates, score=%v", score)
	}
}

func TestRecommendPrefersHighestQualityOnDivergence(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	rows := []Row{{Quality: 0.5}, {Quality: 0.95}}
	if got := d.Recommend(rows); got != StrategyKeepHighestQuality {
		t.Errorf("Recommend = %v, want keep_highest_quality", got)
	}
}

func TestRecommendKeepsLastWhenQualitySimilar(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	rows := []Row{{Quality: 0.9}, {Quality: 0.92}}
	if got := d.Recommend(rows); got != StrategyKeepLast {
		t.Errorf("Recommend = %v, want keep_last", got)
	}
}

func TestResolveKeepHighestQuality(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	rows := []Row{{Quality: 0.5}, {Quality: 0.95}, {Quality: 0.3}}
	idx := d.Resolve(rows, StrategyKeepHighestQuality)
	if idx != 1 {
		t.Errorf("Resolve = %d, want 1", idx)
	}
}

func TestFindGroupsGroupsNearDuplicates(t *testing.T) {
	d := NewDeduper(DefaultSimilarityWeights(), DefaultThresholds())
	rows := []Row{
		{Code: "AAPL", Date: "2026-07-30", Close: 100, Volume: 1000, Quality: 0.9},
		{Code: "AAPL", Date: "2026-07-30", Close: 100, Volume: 1000, Quality: 0.95},
		{Code: "MSFT", Date: "2026-07-30", Close: 400, Volume: 2000, Quality: 0.8},
	}
	groups := d.FindGroups(rows)
	if len(groups) != 2 {
		t.Fatalf("FindGroups returned %d groups, want 2: %+v", len(groups), groups)
	}
}
