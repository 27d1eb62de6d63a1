package quality

import (
	"math"
	"testing"
	"time"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

func row(close, high, low, volume float64) model.OHLCVRow {
	return model.OHLCVRow{
		Symbol:    symbol.New("AAPL"),
		Timestamp: time.Now(),
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}

func TestValidateRowCleanRowHasNoFindings(t *testing.T) {
	v := NewValidator(DefaultWeights())
	findings := v.ValidateRow(row(100, 105, 95, 1000))
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
}

func TestValidateRowFlagsNegativeClose(t *testing.T) {
	v := NewValidator(DefaultWeights())
	findings := v.ValidateRow(row(-1, 105, 95, 1000))
	found := false
	for _, f := range findings {
		if f.Rule == "close_positive" && f.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected close_positive error, got %+v", findings)
	}
}

func TestValidateRowFlagsHighBelowLow(t *testing.T) {
	v := NewValidator(DefaultWeights())
	findings := v.ValidateRow(row(100, 90, 95, 1000))
	found := false
	for _, f := range findings {
		if f.Rule == "high_gte_low" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high_gte_low error, got %+v", findings)
	}
}

func TestValidateRowFlagsZeroVolumeAsWarning(t *testing.T) {
	v := NewValidator(DefaultWeights())
	findings := v.ValidateRow(row(100, 105, 95, 0))
	found := false
	for _, f := range findings {
		if f.Rule == "zero_volume" && f.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected zero_volume warning, got %+v", findings)
	}
}

func TestSummarizeQualityScore(t *testing.T) {
	v := NewValidator(DefaultWeights())
	findings := []Finding{
		{Rule: "a", Severity: SeverityError},
		{Rule: "b", Severity: SeverityWarning},
	}
	report := v.Summarize(findings)
	// 1 - 0.2*1 - 0.1*1 = 0.7, up to float64 rounding
	if math.Abs(report.QualityScore-0.7) > 1e-9 {
		t.Errorf("QualityScore = %v, want 0.7", report.QualityScore)
	}
}

func TestSummarizeScoreNeverNegative(t *testing.T) {
	v := NewValidator(DefaultWeights())
	var findings []Finding
	for i := 0; i < 10; i++ {
		findings = append(findings, Finding{Rule: "x", Severity: SeverityError})
	}
	report := v.Summarize(findings)
	if report.QualityScore != 0 {
		t.Errorf("QualityScore = %v, want 0 (clamped)", report.QualityScore)
	}
}
