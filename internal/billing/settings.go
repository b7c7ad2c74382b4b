package billing

// Settings configure a billing pipeline instance.
type Settings struct {
	// FirstPeriod is the first month the system ever billed; it seeds folios and opening balances.
	FirstPeriod   Period
	StartFolio    int64
	PrefetchChunk int
	WriteChunk    int
	DueDays       int
	Subsidy       SubsidyPolicy
}

// WithDefaults fills zero values.
func (s Settings) WithDefaults() Settings {
	if s.StartFolio <= 0 {
		s.StartFolio = 1
	}
	if s.PrefetchChunk <= 0 {
		s.PrefetchChunk = 500
	}
	if s.WriteChunk <= 0 {
		s.WriteChunk = 100
	}
	if s.DueDays <= 0 {
		s.DueDays = 20
	}
	s.Subsidy = s.Subsidy.withDefaults()
	return s
}
