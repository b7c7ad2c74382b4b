package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aguarural/boletas/internal/platform/cache"
	"github.com/aguarural/boletas/internal/shared"
)

// Mode selects whether a run writes.
type Mode string

const (
	ModePersist Mode = "persist"
	ModePreview Mode = "preview"
)

// Strategy selects how a persisting run writes.
type Strategy string

const (
	// StrategyBatch collects every bill and writes once assembly finishes.
	StrategyBatch Strategy = "batch"
	// StrategyIndividual writes each bill as soon as it is assembled.
	StrategyIndividual Strategy = "individual"
)

// Repository is the persistence port of the pipeline.
type Repository interface {
	Reader
	FolioStore
	// InTx hands fn a writer bound to one transaction; nothing it wrote survives an error.
	InTx(ctx context.Context, fn func(ctx context.Context, w BillWriter) error) error
	PeriodBillCount(ctx context.Context, p Period) (int, error)
	// DeletePeriodBills removes the period's bills and releases every side record they consumed.
	DeletePeriodBills(ctx context.Context, p Period) (int64, error)
}

// Locker guards a period against concurrent persisting runs.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// RunRecorder receives run outcomes for metrics.
type RunRecorder interface {
	ObserveBillingRun(mode string, bills, skipped, negative int)
}

// GenerateInput requests a run for one month.
type GenerateInput struct {
	Year      int      `json:"year" validate:"required,gte=2000,lte=2100"`
	Month     int      `json:"month" validate:"required,gte=1,lte=12"`
	Mode      Mode     `json:"mode" validate:"omitempty,oneof=persist preview"`
	Strategy  Strategy `json:"strategy" validate:"omitempty,oneof=batch individual"`
	Overwrite bool     `json:"overwrite"`
}

// Summary aggregates a run.
type Summary struct {
	Customers           int    `json:"customers"`
	Bills               int    `json:"bills"`
	Skipped             int    `json:"skipped"`
	WithDiscount        int    `json:"with_discount"`
	WithSubsidy         int    `json:"with_subsidy"`
	WithInstallment     int    `json:"with_installment"`
	WithFines           int    `json:"with_fines"`
	NegativeConsumption int    `json:"negative_consumption"`
	TotalAmount         int64  `json:"total_amount"`
	TotalAmountLabel    string `json:"total_amount_label"`
}

// RunResult describes a finished run. Bills is populated only in preview mode.
type RunResult struct {
	RunID      string      `json:"run_id,omitempty"`
	Period     string      `json:"period"`
	Mode       Mode        `json:"mode"`
	Strategy   Strategy    `json:"strategy"`
	BillCount  int         `json:"bill_count"`
	FinalFolio string      `json:"final_folio,omitempty"`
	Bills      []Bill      `json:"bills,omitempty"`
	Summary    Summary     `json:"summary"`
	Skipped    []SkipEntry `json:"skipped,omitempty"`
}

// Service runs the monthly bill generation pipeline.
type Service struct {
	repo     Repository
	lock     Locker
	settings Settings
	logger   *slog.Logger
	metrics  RunRecorder
	validate *validator.Validate
	newRunID func() string
}

// NewService constructs the pipeline. lock may be nil when runs are serialised elsewhere.
func NewService(repo Repository, lock Locker, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		lock:     lock,
		settings: settings.WithDefaults(),
		logger:   logger,
		validate: validator.New(),
		newRunID: uuid.NewString,
	}
}

// WithMetrics attaches a run recorder.
func (s *Service) WithMetrics(m RunRecorder) *Service {
	s.metrics = m
	return s
}

// Settings exposes the effective settings.
func (s *Service) Settings() Settings {
	return s.settings
}

// Generate bills one period. Preview runs never lock or write and return the computed bills.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (RunResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Mode == "" {
		in.Mode = ModePersist
	}
	if in.Strategy == "" {
		in.Strategy = StrategyBatch
	}
	p, err := NewPeriod(in.Year, in.Month)
	if err != nil {
		return RunResult{}, err
	}
	if p.Before(s.settings.FirstPeriod) {
		return RunResult{}, fmt.Errorf("%w: %s precedes first billing period %s", ErrInvalidPeriod, p, s.settings.FirstPeriod)
	}

	res := RunResult{Period: p.String(), Mode: in.Mode, Strategy: in.Strategy}
	persist := in.Mode == ModePersist
	if persist {
		res.RunID = s.newRunID()
		release, err := s.acquire(ctx, p)
		if err != nil {
			return RunResult{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("billing run lock release failed", slog.String("period", p.String()), slog.Any("error", err))
			}
		}()
	} else {
		res.Strategy = StrategyBatch
	}
	logger := s.logger.With(slog.String("period", p.String()), slog.String("mode", string(in.Mode)))
	if res.RunID != "" {
		logger = logger.With(slog.String("run_id", res.RunID))
	}

	tariff, err := ResolveTariff(ctx, s.repo, p)
	if err != nil {
		return RunResult{}, err
	}
	existing, err := s.repo.PeriodBillCount(ctx, p)
	if err != nil {
		return RunResult{}, fmt.Errorf("billing: count period bills: %w", err)
	}
	if persist && existing > 0 && !in.Overwrite {
		return RunResult{}, fmt.Errorf("%w: %s has %d", ErrPeriodAlreadyBilled, p, existing)
	}
	folios, err := SeedFolio(ctx, s.repo, p, s.settings.FirstPeriod, s.settings.StartFolio)
	if err != nil {
		return RunResult{}, err
	}

	candidates, err := s.repo.ListCustomersForPeriod(ctx, p)
	if err != nil {
		return RunResult{}, fmt.Errorf("billing: list customers: %w", err)
	}
	eligible, skipped := FilterEligible(candidates, p)
	for _, sk := range skipped {
		logger.Warn("customer skipped", slog.Int64("customer_id", sk.CustomerID), slog.String("reason", sk.Reason))
	}
	logger.Info("billing run started", slog.Int("customers", len(eligible)), slog.Int64("next_folio", folios.Last()+1))

	// An overwrite releases the old bills' fines, credit notes, reconnections and corrections
	// before anything is read, so the regenerated bills consume them again. If the run fails
	// afterwards the period is left without bills and a plain rerun rebuilds it.
	if persist && existing > 0 {
		n, err := s.repo.DeletePeriodBills(ctx, p)
		if err != nil {
			return RunResult{}, fmt.Errorf("billing: overwrite %s: %w", p, err)
		}
		logger.Info("existing bills removed", slog.Int64("count", n))
	}

	assembler := NewAssembler(p, tariff, s.settings, folios)
	var drafts []Draft
	if persist && in.Strategy == StrategyIndividual {
		drafts, skipped, err = s.runIndividual(ctx, logger, assembler, NewDirectSource(s.repo, p), eligible, skipped)
		res.BillCount = len(drafts)
	} else {
		drafts, skipped, err = s.runChunked(ctx, logger, assembler, NewPrefetcher(s.repo, p), eligible, skipped)
	}
	if err != nil {
		res.Skipped = skipped
		return res, err
	}

	if persist && in.Strategy == StrategyBatch {
		n, err := s.write(ctx, drafts)
		if err != nil {
			return RunResult{}, err
		}
		res.BillCount = n
	}
	if !persist {
		res.BillCount = len(drafts)
		res.Bills = make([]Bill, len(drafts))
		for i := range drafts {
			res.Bills[i] = drafts[i].Bill
		}
	}
	if len(drafts) > 0 {
		res.FinalFolio = drafts[len(drafts)-1].Bill.Folio
	}
	res.Skipped = skipped
	res.Summary = summarize(len(eligible), drafts, skipped)
	if s.metrics != nil {
		s.metrics.ObserveBillingRun(string(in.Mode), res.BillCount, len(skipped), res.Summary.NegativeConsumption)
	}
	logger.Info("billing run finished",
		slog.Int("bills", res.BillCount),
		slog.Int("skipped", len(skipped)),
		slog.String("final_folio", res.FinalFolio),
		slog.Int64("total_amount", res.Summary.TotalAmount),
	)
	return res, nil
}

func (s *Service) acquire(ctx context.Context, p Period) (func(context.Context) error, error) {
	if s.lock == nil {
		return func(context.Context) error { return nil }, nil
	}
	release, err := s.lock.Acquire(ctx, shared.BillingRunLockKey(p.Year, int(p.Month)))
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, p)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: acquire run lock: %w", err)
	}
	return release, nil
}

type prefetched struct {
	src *PrefetchedSource
	err error
}

func prefetchAsync(ctx context.Context, pf *Prefetcher, chunk []Customer) <-chan prefetched {
	out := make(chan prefetched, 1)
	go func() {
		src, err := pf.Load(ctx, chunk)
		out <- prefetched{src: src, err: err}
	}()
	return out
}

// runChunked assembles customers chunk by chunk. The next chunk is prefetched while the current
// one is assembled; assembly itself stays sequential so folios come out in customer order.
func (s *Service) runChunked(ctx context.Context, logger *slog.Logger, a *Assembler, pf *Prefetcher, customers []Customer, skipped []SkipEntry) ([]Draft, []SkipEntry, error) {
	chunks := chunkCustomers(customers, s.settings.PrefetchChunk)
	if len(chunks) == 0 {
		return nil, skipped, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drafts := make([]Draft, 0, len(customers))
	pending := prefetchAsync(ctx, pf, chunks[0])
	for i, chunk := range chunks {
		loaded := <-pending
		if loaded.err != nil {
			return nil, skipped, loaded.err
		}
		if i+1 < len(chunks) {
			pending = prefetchAsync(ctx, pf, chunks[i+1])
		}
		for _, c := range chunk {
			if err := ctx.Err(); err != nil {
				return nil, skipped, err
			}
			d, ok := s.assembleOne(ctx, logger, a, loaded.src, c, &skipped)
			if ok {
				drafts = append(drafts, d)
			}
		}
		logger.Debug("chunk assembled", slog.Int("chunk", i), slog.Int("customers", len(chunk)))
	}
	return drafts, skipped, nil
}

// write stores drafts and their links in a single transaction.
func (s *Service) write(ctx context.Context, drafts []Draft) (int, error) {
	var n int
	err := s.repo.InTx(ctx, func(ctx context.Context, w BillWriter) error {
		var err error
		n, err = NewBatchWriter(w, s.settings.WriteChunk).Write(ctx, drafts)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// runIndividual writes each bill right after it is assembled, one transaction per bill. Bills
// written before a cancellation stay committed.
func (s *Service) runIndividual(ctx context.Context, logger *slog.Logger, a *Assembler, src DataSource, customers []Customer, skipped []SkipEntry) ([]Draft, []SkipEntry, error) {
	var drafts []Draft
	for _, c := range customers {
		if err := ctx.Err(); err != nil {
			return drafts, skipped, err
		}
		d, ok := s.assembleOne(ctx, logger, a, src, c, &skipped)
		if !ok {
			continue
		}
		batch := []Draft{d}
		if _, err := s.write(ctx, batch); err != nil {
			logger.Error("bill write failed", slog.Int64("customer_id", c.ID), slog.String("folio", d.Bill.Folio), slog.Any("error", err))
			skipped = append(skipped, SkipEntry{CustomerID: c.ID, CustomerNumber: c.Number, Reason: SkipAssemblyFailed, Detail: err.Error(), Folio: d.Bill.Folio})
			continue
		}
		drafts = append(drafts, batch[0])
	}
	return drafts, skipped, nil
}

func (s *Service) assembleOne(ctx context.Context, logger *slog.Logger, a *Assembler, src DataSource, c Customer, skipped *[]SkipEntry) (Draft, bool) {
	d, err := a.Assemble(ctx, src, c)
	if err == nil {
		if d.NegativeConsumption {
			logger.Warn("negative consumption", slog.Int64("customer_id", c.ID), slog.String("consumption", d.Bill.Consumption.String()))
		}
		return d, true
	}
	entry := SkipEntry{CustomerID: c.ID, CustomerNumber: c.Number, Reason: SkipNoReadings}
	if !errors.Is(err, ErrNoReadings) {
		entry.Reason = SkipAssemblyFailed
		entry.Detail = err.Error()
	}
	var assemblyErr *AssemblyError
	if errors.As(err, &assemblyErr) {
		entry.Folio = assemblyErr.Folio
	}
	logger.Warn("customer skipped", slog.Int64("customer_id", c.ID), slog.String("reason", entry.Reason),
		slog.String("folio", entry.Folio), slog.Any("error", err))
	*skipped = append(*skipped, entry)
	return Draft{}, false
}

func chunkCustomers(customers []Customer, size int) [][]Customer {
	var out [][]Customer
	for start := 0; start < len(customers); start += size {
		out = append(out, customers[start:min(start+size, len(customers))])
	}
	return out
}

func summarize(customers int, drafts []Draft, skipped []SkipEntry) Summary {
	sum := Summary{Customers: customers, Bills: len(drafts), Skipped: len(skipped)}
	for _, d := range drafts {
		b := d.Bill
		if b.Discount > 0 {
			sum.WithDiscount++
		}
		if b.Subsidy > 0 {
			sum.WithSubsidy++
		}
		if b.Installment > 0 {
			sum.WithInstallment++
		}
		if len(d.Links.FineIDs) > 0 || len(d.Links.ReconnectionIDs) > 0 {
			sum.WithFines++
		}
		if d.NegativeConsumption {
			sum.NegativeConsumption++
		}
		sum.TotalAmount += b.Total
	}
	sum.TotalAmountLabel = FormatAmount(sum.TotalAmount)
	return sum
}
