package billing

import "errors"

var (
	// ErrInvalidPeriod rejects malformed (year, month) input.
	ErrInvalidPeriod = errors.New("billing: invalid period")
	// ErrInvalidInput rejects malformed run requests.
	ErrInvalidInput = errors.New("billing: invalid input")
	// ErrNoTariff aborts a run when no rate card covers the period.
	ErrNoTariff = errors.New("billing: no tariff effective for period")
	// ErrTariffOverlap aborts a run when more than one rate card covers the period.
	ErrTariffOverlap = errors.New("billing: overlapping tariffs for period")
	// ErrFolioSeed aborts a run when the preceding period has no bills to continue from.
	ErrFolioSeed = errors.New("billing: cannot seed folio from preceding period")
	// ErrFolioNotSeeded is returned when drawing from an unseeded sequence.
	ErrFolioNotSeeded = errors.New("billing: folio sequence not seeded")
	// ErrPeriodAlreadyBilled rejects re-running a billed period without overwrite.
	ErrPeriodAlreadyBilled = errors.New("billing: period already has bills")
	// ErrRunInProgress rejects concurrent runs for one period.
	ErrRunInProgress = errors.New("billing: run already in progress for period")
	// ErrNoReadings skips a customer without a qualifying meter reading.
	ErrNoReadings = errors.New("billing: no qualifying meter reading")
)

// AssemblyError reports a customer whose bill could not be built after a folio was drawn for it.
type AssemblyError struct {
	Folio string
	Err   error
}

func (e *AssemblyError) Error() string { return e.Err.Error() }

func (e *AssemblyError) Unwrap() error { return e.Err }
