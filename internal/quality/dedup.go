package quality

import "math"

// DuplicateClass classifies how similar a pair of rows is, mirroring
// deduplication_service.py's DuplicateType (exact/partial/similar).
type DuplicateClass string

const (
	ClassExact   DuplicateClass = "exact"
	ClassPartial DuplicateClass = "partial"
	ClassSimilar DuplicateClass = "similar"
)

// Strategy selects which row in a duplicate group survives, matching
// DeduplicationStrategy in deduplication_service.py.
type Strategy string

const (
	StrategyKeepFirst           Strategy = "keep_first"
	StrategyKeepLast            Strategy = "keep_last"
	StrategyKeepHighestQuality  Strategy = "keep_highest_quality"
	StrategyMerge               Strategy = "merge"
)

// SimilarityWeights are the per-field weights used to compute a weighted
// pairwise similarity score. Defaults match deduplication_service.py's
// field_weights table: code 0.3, date 0.3, close 0.2, volume 0.1,
// open 0.05, high 0.025, low 0.025 (OHL together summing to 0.1).
type SimilarityWeights struct {
	Code   float64
	Date   float64
	Close  float64
	Volume float64
	Open   float64
	High   float64
	Low    float64
}

// DefaultSimilarityWeights returns the teacher-equivalent default weights.
func DefaultSimilarityWeights() SimilarityWeights {
	return SimilarityWeights{
		Code: 0.30, Date: 0.30, Close: 0.20, Volume: 0.10,
		Open: 0.05, High: 0.025, Low: 0.025,
	}
}

// Thresholds maps a similarity score onto a DuplicateClass.
type Thresholds struct {
	Exact   float64
	Partial float64
	Similar float64
}

// DefaultThresholds returns the teacher-equivalent default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Exact: 1.0, Partial: 0.8, Similar: 0.6}
}

// Row is the minimal projection quality.Similarity needs from an OHLCV row
// — kept separate from model.OHLCVRow so the similarity math has no
// dependency on the symbol/time types.
type Row struct {
	Code    string
	Date    string
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
	Quality float64
	Source  string

	// SourceIndex is an opaque slot callers can use to map a Row back to
	// its origin in a wider collection (e.g. the []model.OHLCVRow a Row
	// was projected from); FindGroups/Resolve never read or write it.
	SourceIndex int
}

// DuplicateGroup reports the outcome of resolving one duplicate group: which
// row (by SourceIndex into the caller's original slice) was kept, and which
// were marked as suppressed duplicates of it.
type DuplicateGroup struct {
	Strategy          Strategy
	KeptIndex         int
	KeptSource        string
	SuppressedIndices []int
}

// DeduplicationReport summarizes every duplicate group found and resolved
// across a batch, mirroring deduplication_service.py's
// DeduplicationResult: callers use it to mark rows rather than drop them,
// so a suppressed row remains visible (flagged) in the output rather than
// silently vanishing.
type DeduplicationReport struct {
	Groups         []DuplicateGroup
	RowsExamined   int
	DuplicatesFound int
}

// Deduper computes pairwise similarity and resolves duplicate groups
// according to a Strategy.
type Deduper struct {
	weights    SimilarityWeights
	thresholds Thresholds
}

// NewDeduper constructs a Deduper with the given weights/thresholds.
func NewDeduper(w SimilarityWeights, th Thresholds) *Deduper {
	return &Deduper{weights: w, thresholds: th}
}

func numericSimilarity(a, b float64) float64 {
	if a == b {
		return 1.0
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 1.0
	}
	diff := math.Abs(a-b) / denom
	return math.Max(0, 1-diff)
}

func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	setA := make(map[rune]struct{})
	setB := make(map[rune]struct{})
	for _, r := range a {
		setA[r] = struct{}{}
	}
	for _, r := range b {
		setB[r] = struct{}{}
	}
	common := 0
	union := make(map[rune]struct{})
	for r := range setA {
		union[r] = struct{}{}
		if _, ok := setB[r]; ok {
			common++
		}
	}
	for r := range setB {
		union[r] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(common) / float64(len(union))
}

// Similarity computes the weighted similarity score between two rows. The
// weights are normalized by the total weight actually applied, matching
// deduplication_service.py's "weighted_similarity / total_weight" formula.
func (d *Deduper) Similarity(a, b Row) float64 {
	var total, weighted float64

	add := func(weight, sim float64) {
		weighted += sim * weight
		total += weight
	}

	add(d.weights.Code, stringSimilarity(a.Code, b.Code))
	add(d.weights.Date, stringSimilarity(a.Date, b.Date))
	add(d.weights.Close, numericSimilarity(a.Close, b.Close))
	add(d.weights.Volume, numericSimilarity(a.Volume, b.Volume))
	add(d.weights.Open, numericSimilarity(a.Open, b.Open))
	add(d.weights.High, numericSimilarity(a.High, b.High))
	add(d.weights.Low, numericSimilarity(a.Low, b.Low))

	if total == 0 {
		return 0
	}
	return weighted / total
}

// Classify maps a similarity score onto a DuplicateClass. Scores below the
// "similar" threshold are not duplicates at all — callers should check
// IsDuplicate before trusting the classification.
func (d *Deduper) Classify(score float64) DuplicateClass {
	switch {
	case score >= d.thresholds.Exact:
		return ClassExact
	case score >= d.thresholds.Partial:
		return ClassPartial
	default:
		return ClassSimilar
	}
}

// IsDuplicate reports whether score clears the minimum "similar" bar.
func (d *Deduper) IsDuplicate(score float64) bool {
	return score >= d.thresholds.Similar
}

// Group is a set of rows identified as duplicates of one another, plus the
// recommended resolution strategy.
type Group struct {
	Rows       []Row
	Recommended Strategy
}

// Recommend picks a strategy for a duplicate group the way
// deduplication_service.py's _recommend_strategy does: a single-row group
// needs no resolution (keep_first is a no-op); if quality scores diverge
// by more than 0.1, prefer the highest-quality row; otherwise keep the
// last (presumed most recently fetched) row.
func (d *Deduper) Recommend(rows []Row) Strategy {
	if len(rows) <= 1 {
		return StrategyKeepFirst
	}
	minQ, maxQ := rows[0].Quality, rows[0].Quality
	for _, r := range rows[1:] {
		if r.Quality < minQ {
			minQ = r.Quality
		}
		if r.Quality > maxQ {
			maxQ = r.Quality
		}
	}
	if maxQ-minQ > 0.1 {
		return StrategyKeepHighestQuality
	}
	return StrategyKeepLast
}

// Resolve returns the index into rows of the row that survives under
// strategy.
func (d *Deduper) Resolve(rows []Row, strategy Strategy) int {
	if len(rows) == 0 {
		return -1
	}
	switch strategy {
	case StrategyKeepFirst:
		return 0
	case StrategyKeepLast:
		return len(rows) - 1
	case StrategyKeepHighestQuality:
		best := 0
		for i, r := range rows {
			if r.Quality > rows[best].Quality {
				best = i
			}
		}
		return best
	default:
		return 0
	}
}

// FindGroups scans rows and groups every row into the first existing group
// it is a duplicate of (by IsDuplicate), or starts a new group. It first
// partitions rows by the (Code, Date) primary key, then runs the O(n^2)
// pairwise comparison only within each partition, matching the reference
// implementation's same-key grouping followed by pairwise comparison within
// each group. Partitioning first matters: without it, fuzzy Similarity
// scoring can merge rows for different symbols or different trading days
// into the same group whenever their OHLCV values happen to be close,
// suppressing a row that is not actually a duplicate of anything — a
// correctness bug, not just an efficiency one.
func (d *Deduper) FindGroups(rows []Row) []Group {
	partitions := make(map[string][]Row)
	var order []string
	for _, r := range rows {
		key := r.Code + "\x00" + r.Date
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], r)
	}

	var groups []Group
	for _, key := range order {
		groups = append(groups, d.findGroupsWithinPartition(partitions[key])...)
	}
	return groups
}

// findGroupsWithinPartition is the O(n^2) pairwise pass, applied only to
// rows that already share the same (Code, Date) primary key.
func (d *Deduper) findGroupsWithinPartition(rows []Row) []Group {
	var groups []Group
	for _, r := range rows {
		placed := false
		for gi := range groups {
			if d.IsDuplicate(d.Similarity(groups[gi].Rows[0], r)) {
				groups[gi].Rows = append(groups[gi].Rows, r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, Group{Rows: []Row{r}})
		}
	}
	for i := range groups {
		groups[i].Recommended = d.Recommend(groups[i].Rows)
	}
	return groups
}
