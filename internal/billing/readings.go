package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ReadingPair is the meter and the two values a bill compares.
type ReadingPair struct {
	Meter       Meter
	Current     Reading
	Previous    decimal.Decimal
	Consumption decimal.Decimal
	// CorrectionID is set when a correction replaced the previous value.
	CorrectionID int64
}

// ResolveReadings picks the billable meter for customer and computes consumption.
// A former customer without readings falls back to the current record holding the same number.
func ResolveReadings(ctx context.Context, src DataSource, customer Customer) (ReadingPair, error) {
	meter, current, err := findMeter(ctx, src, customer.ID)
	if err != nil {
		return ReadingPair{}, err
	}
	if meter == nil && !customer.IsCurrent {
		successor, err := src.CurrentCustomer(ctx, customer.Number)
		if err != nil {
			return ReadingPair{}, fmt.Errorf("billing: current customer for %s: %w", customer.Number, err)
		}
		if successor != nil && successor.ID != customer.ID {
			meter, current, err = findMeter(ctx, src, successor.ID)
			if err != nil {
				return ReadingPair{}, err
			}
		}
	}
	if meter == nil {
		return ReadingPair{}, ErrNoReadings
	}

	pair := ReadingPair{Meter: *meter, Current: current, Previous: meter.InitialReading}
	prev, err := src.PreviousReading(ctx, meter.ID)
	if err != nil {
		return ReadingPair{}, fmt.Errorf("billing: previous reading of meter %d: %w", meter.ID, err)
	}
	if prev != nil {
		pair.Previous = prev.Value
		correction, err := src.Correction(ctx, prev.ID)
		if err != nil {
			return ReadingPair{}, fmt.Errorf("billing: correction of reading %d: %w", prev.ID, err)
		}
		if correction != nil && !correction.Applied {
			pair.Previous = correction.Value
			pair.CorrectionID = correction.ID
		}
	}
	pair.Consumption = current.Value.Sub(pair.Previous)
	return pair, nil
}

type meterCandidate struct {
	meter   Meter
	reading Reading
}

func findMeter(ctx context.Context, src DataSource, customerID int64) (*Meter, Reading, error) {
	meters, err := src.Meters(ctx, customerID)
	if err != nil {
		return nil, Reading{}, fmt.Errorf("billing: meters of customer %d: %w", customerID, err)
	}
	var candidates []meterCandidate
	for _, m := range meters {
		readings, err := src.PeriodReadings(ctx, m.ID)
		if err != nil {
			return nil, Reading{}, fmt.Errorf("billing: readings of meter %d: %w", m.ID, err)
		}
		if latest, ok := latestReading(readings); ok {
			candidates = append(candidates, meterCandidate{meter: m, reading: latest})
		}
	}
	if len(candidates) == 0 {
		return nil, Reading{}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.meter.State == MeterActive) != (b.meter.State == MeterActive) {
			return a.meter.State == MeterActive
		}
		if !a.reading.ReadOn.Equal(b.reading.ReadOn) {
			return a.reading.ReadOn.After(b.reading.ReadOn)
		}
		return a.meter.ID < b.meter.ID
	})
	best := candidates[0]
	return &best.meter, best.reading, nil
}

func latestReading(readings []Reading) (Reading, bool) {
	if len(readings) == 0 {
		return Reading{}, false
	}
	best := readings[0]
	for _, r := range readings[1:] {
		if r.ReadOn.After(best.ReadOn) || (r.ReadOn.Equal(best.ReadOn) && r.ID > best.ID) {
			best = r
		}
	}
	return best, true
}
