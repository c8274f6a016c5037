package analyzer

// Config tunes the flake classifier. Zero values are replaced by defaults
// in NewEngine.
type Config struct {
	// MinRunsForAnalysis is the minimum observation count before a test can
	// be classified as flaky.
	MinRunsForAnalysis int
	// FlakeThreshold is the minimum failure rate for consideration.
	FlakeThreshold float64
	// HighConfidenceThreshold and MediumConfidenceThreshold split the
	// confidence score into high / medium / low bands.
	HighConfidenceThreshold   float64
	MediumConfidenceThreshold float64
	// AnalysisWindowDays bounds the history fed into each decision.
	AnalysisWindowDays int
	// RecentFailuresWindowDays bounds the "recently detected" counter and
	// the recency bonus.
	RecentFailuresWindowDays int
	// CommonFlakePatterns are substrings that mark a failure message as a
	// known flaky signature.
	CommonFlakePatterns []string
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinRunsForAnalysis:        5,
		FlakeThreshold:            0.15,
		HighConfidenceThreshold:   0.8,
		MediumConfidenceThreshold: 0.5,
		AnalysisWindowDays:        30,
		RecentFailuresWindowDays:  7,
		CommonFlakePatterns: []string{
			"timeout",
			"connection refused",
			"network error",
			"race condition",
			"timing",
			"intermittent",
			"flaky",
			"unstable",
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinRunsForAnalysis <= 0 {
		c.MinRunsForAnalysis = d.MinRunsForAnalysis
	}
	if c.FlakeThreshold <= 0 {
		c.FlakeThreshold = d.FlakeThreshold
	}
	if c.HighConfidenceThreshold <= 0 {
		c.HighConfidenceThreshold = d.HighConfidenceThreshold
	}
	if c.MediumConfidenceThreshold <= 0 {
		c.MediumConfidenceThreshold = d.MediumConfidenceThreshold
	}
	if c.AnalysisWindowDays <= 0 {
		c.AnalysisWindowDays = d.AnalysisWindowDays
	}
	if c.RecentFailuresWindowDays <= 0 {
		c.RecentFailuresWindowDays = d.RecentFailuresWindowDays
	}
	if len(c.CommonFlakePatterns) == 0 {
		c.CommonFlakePatterns = d.CommonFlakePatterns
	}
}
