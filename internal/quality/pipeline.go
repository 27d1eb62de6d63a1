package quality

import (
	"time"

	"github.com/chronoretrace/marketdata/internal/model"
)

// Pipeline orchestrates the validate-then-dedup stage, matching
// quality_manager.py's combined process_batch: run rule validation across
// the batch for the report, then mark every row of a duplicate group other
// than the recommended survivor before the rows are cached or persisted.
type Pipeline struct {
	validator *Validator
	deduper   *Deduper
}

// NewPipeline constructs a Pipeline with the given validator/deduper.
func NewPipeline(v *Validator, d *Deduper) *Pipeline {
	return &Pipeline{validator: v, deduper: d}
}

// DefaultPipeline builds a Pipeline from the package defaults.
func DefaultPipeline() *Pipeline {
	return NewPipeline(NewValidator(DefaultWeights()), NewDeduper(DefaultSimilarityWeights(), DefaultThresholds()))
}

func toDedupRow(r model.OHLCVRow, quality float64, index int) Row {
	return Row{
		Code: r.Symbol.Code, Date: r.Timestamp.Format(time.RFC3339),
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		Quality: quality, Source: string(r.Source), SourceIndex: index,
	}
}

// Clean validates rows for the report, groups near-duplicates within each
// (symbol, date) partition, and marks the suppressed rows of each group
// in place rather than dropping them: the returned slice is always the
// same length as rows. A row with IsDuplicate set was not the group's
// recommended survivor, but it is still present (and still gets
// persisted) so downstream consumers can audit what was suppressed and
// why, matching quality_manager.py's mark-don't-delete behavior.
func (p *Pipeline) Clean(rows []model.OHLCVRow) ([]model.OHLCVRow, ValidationReport, DeduplicationReport) {
	report := p.validator.ValidateBatch(rows)

	dedupRows := make([]Row, len(rows))
	for i, r := range rows {
		dedupRows[i] = toDedupRow(r, report.QualityScore, i)
	}

	groups := p.deduper.FindGroups(dedupRows)

	cleaned := make([]model.OHLCVRow, len(rows))
	copy(cleaned, rows)

	dedupReport := DeduplicationReport{RowsExamined: len(rows)}
	for _, g := range groups {
		if len(g.Rows) <= 1 {
			continue
		}
		strategy := p.deduper.Recommend(g.Rows)
		idx := p.deduper.Resolve(g.Rows, strategy)
		if idx < 0 {
			continue
		}
		kept := g.Rows[idx]
		dg := DuplicateGroup{Strategy: strategy, KeptIndex: kept.SourceIndex, KeptSource: kept.Source}
		for i, r := range g.Rows {
			if i == idx {
				continue
			}
			cleaned[r.SourceIndex].IsDuplicate = true
			cleaned[r.SourceIndex].DuplicateSource = model.DataSource(kept.Source)
			dg.SuppressedIndices = append(dg.SuppressedIndices, r.SourceIndex)
			dedupReport.DuplicatesFound++
		}
		dedupReport.Groups = append(dedupReport.Groups, dg)
	}
	return cleaned, report, dedupReport
}
