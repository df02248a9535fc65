package market

import (
	"fmt"
	"strings"
)

const defaultMinValidRatio = 0.70

// Validation is the outcome of a domain validation run.
type Validation struct {
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Confidence float64  `json:"confidence"`
}

// ValidationError is raised when fetched data fails domain validation. It is
// never retried blindly: the caller falls back, then serves stale cache.
type ValidationError struct {
	Subject    string
	Errors     []string
	Warnings   []string
	Confidence float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("market: %s failed validation (confidence %.2f): %s",
		e.Subject, e.Confidence, strings.Join(e.Errors, "; "))
}

// SeriesValidatorConfig tunes OHLC series validation.
type SeriesValidatorConfig struct {
	// MinValidRatio is the fraction of candles that must pass the per-candle
	// checks before the series as a whole is accepted. Product policy, not a
	// derived constant; defaults to 0.70.
	MinValidRatio float64
}

// SeriesValidator applies per-candle sanity checks and an overall quality
// ratio to an OHLC series.
type SeriesValidator struct {
	minValidRatio float64
}

// NewSeriesValidator constructs a validator. A non-positive ratio uses the
// default.
func NewSeriesValidator(cfg SeriesValidatorConfig) *SeriesValidator {
	ratio := cfg.MinValidRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultMinValidRatio
	}
	return &SeriesValidator{minValidRatio: ratio}
}

// ValidateSeries checks every candle and accepts the series when the valid
// ratio meets the configured threshold. Confidence is the valid ratio.
func (v *SeriesValidator) ValidateSeries(candles []Candle) Validation {
	if len(candles) == 0 {
		return Validation{
			Valid:  false,
			Errors: []string{"series is empty"},
		}
	}

	var errs, warnings []string
	valid := 0
	var prev Candle
	for i, candle := range candles {
		if problem := validateCandle(candle); problem != "" {
			if len(errs) < 10 {
				errs = append(errs, fmt.Sprintf("candle[%d]: %s", i, problem))
			}
		} else {
			valid++
		}
		if i > 0 && candle.Timestamp.Before(prev.Timestamp) {
			if len(warnings) < 10 {
				warnings = append(warnings, fmt.Sprintf("candle[%d]: timestamp out of order", i))
			}
		}
		prev = candle
	}

	ratio := float64(valid) / float64(len(candles))
	result := Validation{
		Valid:      ratio >= v.minValidRatio,
		Errors:     errs,
		Warnings:   warnings,
		Confidence: ratio,
	}
	if !result.Valid && len(result.Errors) == 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("valid ratio %.2f below threshold %.2f", ratio, v.minValidRatio))
	}
	return result
}

// validateCandle returns a description of the first sanity violation, or ""
// when the candle is sound.
func validateCandle(c Candle) string {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return "non-positive price"
	}
	if c.High < c.Open || c.High < c.Close {
		return "high below open/close"
	}
	if c.Low > c.Open || c.Low > c.Close {
		return "low above open/close"
	}
	if c.Low > c.High {
		return "low above high"
	}
	if c.Timestamp.IsZero() {
		return "missing timestamp"
	}
	return ""
}

// ValidatePrice checks a latest-price quote.
func ValidatePrice(quote PriceQuote) Validation {
	var errs []string
	if strings.TrimSpace(quote.TokenID) == "" {
		errs = append(errs, "missing token id")
	}
	if quote.Price <= 0 {
		errs = append(errs, "non-positive price")
	}
	if len(errs) > 0 {
		return Validation{Valid: false, Errors: errs}
	}
	return Validation{Valid: true, Confidence: 1}
}

// SeriesError converts a failed validation into a *ValidationError for the
// given subject. It returns nil when the validation passed.
func SeriesError(subject string, v Validation) error {
	if v.Valid {
		return nil
	}
	return &ValidationError{
		Subject:    subject,
		Errors:     v.Errors,
		Warnings:   v.Warnings,
		Confidence: v.Confidence,
	}
}
