package billing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Prefetcher bulk-loads everything the assembler reads for a chunk of customers.
type Prefetcher struct {
	reader Reader
	period Period
}

// NewPrefetcher binds reader to the run's period.
func NewPrefetcher(reader Reader, p Period) *Prefetcher {
	return &Prefetcher{reader: reader, period: p}
}

// Load fetches a chunk. Queries that do not depend on each other run concurrently.
func (f *Prefetcher) Load(ctx context.Context, chunk []Customer) (*PrefetchedSource, error) {
	src := &PrefetchedSource{
		customers: make(map[int64]struct{}, len(chunk)),
		current:   make(map[string]Customer),
	}
	ids := make([]int64, 0, len(chunk))
	var formerNumbers []string
	for _, c := range chunk {
		src.customers[c.ID] = struct{}{}
		ids = append(ids, c.ID)
		if c.IsCurrent {
			src.current[c.Number] = c
		} else {
			formerNumbers = append(formerNumbers, c.Number)
		}
	}

	if len(formerNumbers) > 0 {
		successors, err := f.reader.CurrentCustomersByNumbers(ctx, formerNumbers)
		if err != nil {
			return nil, fmt.Errorf("billing: prefetch successors: %w", err)
		}
		for _, s := range successors {
			if !s.IsCurrent {
				continue
			}
			src.current[s.Number] = s
			if _, ok := src.customers[s.ID]; !ok {
				src.customers[s.ID] = struct{}{}
				ids = append(ids, s.ID)
			}
		}
	}

	p := f.period
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src.meters, err = f.reader.MetersByCustomers(gctx, ids)
		return wrapPrefetch("meters", err)
	})
	g.Go(func() (err error) {
		src.subsidies, err = f.reader.SubsidyHistory(gctx, ids, p.Start())
		return wrapPrefetch("subsidy history", err)
	})
	g.Go(func() (err error) {
		src.discounts, err = f.reader.DiscountAssignments(gctx, ids, p)
		return wrapPrefetch("discounts", err)
	})
	g.Go(func() (err error) {
		src.priorTotals, err = f.reader.BillTotals(gctx, ids, p.Previous())
		return wrapPrefetch("prior bill totals", err)
	})
	g.Go(func() (err error) {
		src.payments, err = f.reader.PaymentsWithin(gctx, ids, p)
		return wrapPrefetch("payments", err)
	})
	g.Go(func() (err error) {
		src.initial, err = f.reader.InitialBalances(gctx, ids)
		return wrapPrefetch("initial balances", err)
	})
	g.Go(func() (err error) {
		src.creditNotes, err = f.reader.UnappliedCreditNotes(gctx, ids, p.Start())
		return wrapPrefetch("credit notes", err)
	})
	g.Go(func() (err error) {
		src.plans, err = f.reader.InstallmentPlans(gctx, ids, p)
		return wrapPrefetch("installment plans", err)
	})
	g.Go(func() (err error) {
		src.fines, err = f.reader.UnappliedFines(gctx, ids, p)
		return wrapPrefetch("fines", err)
	})
	g.Go(func() (err error) {
		src.reconnections, err = f.reader.UnbilledReconnections(gctx, ids, p)
		return wrapPrefetch("reconnections", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var meterIDs []int64
	for _, list := range src.meters {
		for _, m := range list {
			meterIDs = append(meterIDs, m.ID)
		}
	}
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src.readings, err = f.reader.ReadingsInPeriod(gctx, meterIDs, p)
		return wrapPrefetch("readings", err)
	})
	g.Go(func() (err error) {
		src.previous, err = f.reader.LatestReadingsBefore(gctx, meterIDs, p.Start())
		return wrapPrefetch("previous readings", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	readingIDs := make([]int64, 0, len(src.previous))
	for _, r := range src.previous {
		readingIDs = append(readingIDs, r.ID)
	}
	corrections, err := f.reader.CorrectionsByReadings(ctx, readingIDs)
	if err != nil {
		return nil, wrapPrefetch("corrections", err)
	}
	src.corrections = corrections
	return src, nil
}

func wrapPrefetch(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("billing: prefetch %s: %w", what, err)
}
