// Package quality implements the data-quality stage: rule-based row
// validation producing a ValidationReport, and pairwise deduplication of
// near-duplicate rows. Adapted from the teacher's schema/anomaly/staleness
// validators (internal/data/validate) and from ChronoRetrace's
// quality_manager.py / deduplication_service.py, which this module's
// quality scoring and similarity weights are grounded on.
package quality

import (
	"fmt"
	"math"

	"github.com/chronoretrace/marketdata/internal/model"
)

// Severity classifies a single validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single rule violation surfaced for one row.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationReport summarizes the findings for a batch of rows and the
// derived quality score.
type ValidationReport struct {
	Findings     []Finding `json:"findings"`
	ErrorCount   int       `json:"error_count"`
	WarningCount int       `json:"warning_count"`
	QualityScore float64   `json:"quality_score"`
}

// Weights configures the penalty applied per error/warning when deriving
// QualityScore. Defaults match quality_manager.py's 0.2/0.1 penalties.
type Weights struct {
	ErrorPenalty   float64
	WarningPenalty float64
}

// DefaultWeights returns the teacher-equivalent default penalty weights.
func DefaultWeights() Weights {
	return Weights{ErrorPenalty: 0.2, WarningPenalty: 0.1}
}

// Validator applies the fixed rule set to OHLCV rows.
type Validator struct {
	weights Weights
}

// NewValidator constructs a Validator with the given penalty weights.
func NewValidator(w Weights) *Validator {
	return &Validator{weights: w}
}

// ValidateRow runs every rule against row and returns its findings without
// scoring — callers batch multiple rows' findings into one report via
// Summarize.
func (v *Validator) ValidateRow(row model.OHLCVRow) []Finding {
	var findings []Finding

	if row.Symbol.Code == "" {
		findings = append(findings, Finding{Rule: "symbol_required", Severity: SeverityError, Message: "symbol code is empty"})
	}
	if row.Timestamp.IsZero() {
		findings = append(findings, Finding{Rule: "timestamp_required", Severity: SeverityError, Message: "timestamp is zero"})
	}
	if row.Close <= 0 {
		findings = append(findings, Finding{Rule: "close_positive", Severity: SeverityError, Message: fmt.Sprintf("close=%.4f must be > 0", row.Close)})
	}
	if row.Volume < 0 {
		findings = append(findings, Finding{Rule: "volume_nonnegative", Severity: SeverityError, Message: fmt.Sprintf("volume=%.4f must be >= 0", row.Volume)})
	}
	if row.High < row.Low {
		findings = append(findings, Finding{Rule: "high_gte_low", Severity: SeverityError, Message: fmt.Sprintf("high=%.4f < low=%.4f", row.High, row.Low)})
	}
	if row.Close > 0 && (row.Close > row.High || row.Close < row.Low) && row.High >= row.Low {
		findings = append(findings, Finding{Rule: "close_within_range", Severity: SeverityWarning, Message: fmt.Sprintf("close=%.4f outside [low=%.4f, high=%.4f]", row.Close, row.Low, row.High)})
	}
	if row.Volume == 0 {
		findings = append(findings, Finding{Rule: "zero_volume", Severity: SeverityWarning, Message: "volume is zero"})
	}

	return findings
}

// Summarize aggregates findings across a batch into a ValidationReport,
// deriving quality_score = max(0, 1 - error_penalty*errors - warning_penalty*warnings).
func (v *Validator) Summarize(findings []Finding) ValidationReport {
	report := ValidationReport{Findings: findings}
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			report.ErrorCount++
		case SeverityWarning:
			report.WarningCount++
		}
	}
	score := 1.0 - v.weights.ErrorPenalty*float64(report.ErrorCount) - v.weights.WarningPenalty*float64(report.WarningCount)
	report.QualityScore = math.Max(0, score)
	return report
}

// ValidateBatch validates every row and returns the aggregated report.
func (v *Validator) ValidateBatch(rows []model.OHLCVRow) ValidationReport {
	var all []Finding
	for _, row := range rows {
		all = append(all, v.ValidateRow(row)...)
	}
	return v.Summarize(all)
}
