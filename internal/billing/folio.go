package billing

import (
	"context"
	"fmt"
	"strconv"
)

// FolioStore reports the highest folio issued in a period.
type FolioStore interface {
	LastFolio(ctx context.Context, p Period) (int64, bool, error)
}

// FolioSequence hands out consecutive document numbers for one run. It is not safe for
// concurrent use; the assembly loop owns it.
type FolioSequence struct {
	next   int64
	last   int64
	seeded bool
}

// SeedFolio continues numbering from the preceding period, or starts at startFolio for the
// system's first billing period.
func SeedFolio(ctx context.Context, store FolioStore, p Period, firstPeriod Period, startFolio int64) (*FolioSequence, error) {
	if p == firstPeriod {
		if startFolio <= 0 {
			return nil, fmt.Errorf("%w: starting folio must be positive", ErrFolioSeed)
		}
		return &FolioSequence{next: startFolio, last: startFolio - 1, seeded: true}, nil
	}
	last, ok, err := store.LastFolio(ctx, p.Previous())
	if err != nil {
		return nil, fmt.Errorf("billing: last folio of %s: %w", p.Previous(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s has no bills", ErrFolioSeed, p.Previous())
	}
	return &FolioSequence{next: last + 1, last: last, seeded: true}, nil
}

// Next returns the current number and advances. Numbers are never handed back.
func (s *FolioSequence) Next() (string, error) {
	if s == nil || !s.seeded {
		return "", ErrFolioNotSeeded
	}
	n := s.next
	s.next++
	s.last = n
	return strconv.FormatInt(n, 10), nil
}

// Last returns the most recently issued number, or the seed minus one before any draw.
func (s *FolioSequence) Last() int64 {
	if s == nil {
		return 0
	}
	return s.last
}
