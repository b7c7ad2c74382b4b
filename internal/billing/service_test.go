package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aguarural/boletas/internal/platform/cache"
	"github.com/aguarural/boletas/internal/shared"
)

var (
	january  = Period{Year: 2024, Month: time.January}
	february = Period{Year: 2024, Month: time.February}
)

func testSettings() Settings {
	return Settings{
		FirstPeriod:   january,
		StartFolio:    1000,
		PrefetchChunk: 2,
		WriteChunk:    2,
		Subsidy:       SubsidyPolicy{Cutover: day(2025, time.January, 1)},
	}
}

func standardTariff() Tariff {
	return Tariff{
		ID:                     1,
		ValidFrom:              day(2023, time.January, 1),
		FixedCharge:            dec("2000"),
		WaterRate:              dec("500"),
		Rates:                  SeparateRates{Sewage: decimal.Zero, Treatment: decimal.Zero},
		VATRate:                dec("0.19"),
		ReconnectionFirst:      dec("5000"),
		ReconnectionSubsequent: dec("8000"),
	}
}

func newTestService(repo *memoryRepo, lock Locker) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, lock, testSettings(), logger)
}

// seedPreviousBill records a bill so folio seeding and prior balance have something to continue from.
func (r *memoryRepo) seedPreviousBill(customerID int64, p Period, folio string, total int64) {
	r.nextBillID++
	r.bills = append(r.bills, Bill{
		ID:          r.nextBillID,
		CustomerID:  customerID,
		PeriodStart: p.Start(),
		PeriodEnd:   p.End(),
		Folio:       folio,
		Total:       total,
		Status:      BillPending,
	})
}

func requireBillInvariants(t *testing.T, bills []Bill) {
	t.Helper()
	for _, b := range bills {
		require.Equal(t, b.Net+b.VAT-b.Subsidy+b.PriorBalance+b.Installment, b.Total, "folio %s", b.Folio)
		for _, v := range []int64{b.FixedCharge, b.WaterCharge, b.SewageCharge, b.TreatmentCharge, b.SewageTreatmentCharge,
			b.VATCharges, b.Discount, b.Subsidy, b.PriorBalance, b.CarriedCredit, b.Installment, b.Net, b.VAT, b.Total} {
			require.GreaterOrEqual(t, v, int64(0), "folio %s", b.Folio)
		}
	}
}

func TestGenerateSplitsVATFromTaxInclusiveSubtotal(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.BillCount)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, "1000", res.FinalFolio)

	bills := repo.billsFor(january)
	require.Len(t, bills, 1)
	b := bills[0]
	require.Equal(t, int64(5000), b.WaterCharge)
	require.Equal(t, int64(2000), b.FixedCharge)
	require.Equal(t, int64(5882), b.Net)
	require.Equal(t, int64(1118), b.VAT)
	require.Equal(t, int64(7000), b.Total)
	require.Equal(t, day(2024, time.February, 1), b.IssueDate)
	require.Equal(t, day(2024, time.February, 21), b.DueDate)
	require.Equal(t, BillPending, b.Status)
}

func TestGeneratePriorBalanceAddsCreditNotes(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "100")
	repo.addReading(2, 1, day(2024, time.February, 27), "110")
	repo.seedPreviousBill(1, january, "1000", 20000)
	repo.payments = []memPayment{{customerID: 1, amount: 20000, paidAt: day(2024, time.February, 10)}}
	repo.creditNotes = []CreditNote{
		{ID: 7, CustomerID: 1, Amount: 5000, IssuedAt: day(2024, time.January, 15)},
		{ID: 8, CustomerID: 1, Amount: 900, IssuedAt: day(2024, time.February, 3)},
	}

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)
	require.Equal(t, "1001", res.FinalFolio)

	b := repo.billsFor(february)[0]
	require.Equal(t, int64(5000), b.PriorBalance)
	require.Equal(t, int64(12000), b.Total)
	require.Contains(t, repo.noteBill, int64(7))
	require.NotContains(t, repo.noteBill, int64(8))
}

func TestGenerateCarriesCreditWhenOverpaid(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "100")
	repo.addReading(2, 1, day(2024, time.February, 27), "110")
	repo.seedPreviousBill(1, january, "1000", 7000)
	repo.payments = []memPayment{{customerID: 1, amount: 10000, paidAt: day(2024, time.February, 5)}}

	_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)

	b := repo.billsFor(february)[0]
	require.Zero(t, b.PriorBalance)
	require.Equal(t, int64(3000), b.CarriedCredit)
	require.Equal(t, int64(7000), b.Total)
	require.Contains(t, b.Remarks, "Saldo a favor")
	requireBillInvariants(t, []Bill{b})
}

func TestGenerateSkippedCustomerConsumesFolio(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	for i, number := range []string{"001", "002", "003", "004", "005"} {
		id := int64(i + 1)
		repo.addCustomer(id, number, day(2020, time.January, 1))
		repo.addMeter(id, id, "0")
		if number != "003" {
			repo.addReading(id, id, day(2024, time.January, 20), "12")
		}
	}

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 4, res.BillCount)
	require.Equal(t, "1004", res.FinalFolio)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, int64(3), res.Skipped[0].CustomerID)
	require.Equal(t, SkipNoReadings, res.Skipped[0].Reason)
	require.Equal(t, "1002", res.Skipped[0].Folio)

	bills := repo.billsFor(january)
	require.Len(t, bills, 4)
	drawn := []string{res.Skipped[0].Folio}
	for _, b := range bills {
		drawn = append(drawn, b.Folio)
	}
	sort.Strings(drawn)
	require.Equal(t, []string{"1000", "1001", "1002", "1003", "1004"}, drawn)
	require.Equal(t, []string{"1000", "1001", "1003", "1004"}, []string{bills[0].Folio, bills[1].Folio, bills[2].Folio, bills[3].Folio})
	require.Equal(t, []string{"001", "002", "004", "005"}, []string{bills[0].CustomerNumber, bills[1].CustomerNumber, bills[2].CustomerNumber, bills[3].CustomerNumber})

	// The next period continues from the last folio issued.
	for i := int64(1); i <= 5; i++ {
		repo.addReading(100+i, i, day(2024, time.February, 20), "20")
	}
	res, err = newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)
	require.Equal(t, 5, res.BillCount)
	require.Equal(t, "1009", res.FinalFolio)
	require.Equal(t, "1005", repo.billsFor(february)[0].Folio)
}

func TestGeneratePreviewReportsConsumedFolios(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addCustomer(2, "002", day(2020, time.January, 1))
	repo.addMeter(2, 2, "0")
	repo.addReading(1, 2, day(2024, time.January, 20), "5")

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Mode: ModePreview})
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "1000", res.Skipped[0].Folio)
	require.Len(t, res.Bills, 1)
	require.Equal(t, "1001", res.Bills[0].Folio)
}

func TestGeneratePreviewIsDeterministicAndSideEffectFree(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	for i := int64(1); i <= 3; i++ {
		repo.addCustomer(i, "00"+string(rune('0'+i)), day(2020, time.January, 1))
		repo.addMeter(i, i, "0")
		repo.addReading(i, i, day(2024, time.January, 25), "15")
	}
	repo.creditNotes = []CreditNote{{ID: 1, CustomerID: 2, Amount: 100, IssuedAt: day(2023, time.December, 1)}}
	svc := newTestService(repo, nil)

	in := GenerateInput{Year: 2024, Month: 1, Mode: ModePreview}
	first, err := svc.Generate(context.Background(), in)
	require.NoError(t, err)
	second, err := svc.Generate(context.Background(), in)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))

	require.Empty(t, first.RunID)
	require.Len(t, first.Bills, 3)
	require.Empty(t, repo.bills)
	require.Empty(t, repo.noteBill)
	require.Equal(t, 3, first.Summary.Bills)
	require.Equal(t, int64(3*9500), first.Summary.TotalAmount)
	requireBillInvariants(t, first.Bills)
}

func TestGenerateCorrectionOnlyAffectsPreviousReading(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "100")
	repo.addReading(2, 1, day(2024, time.February, 27), "135")
	repo.seedPreviousBill(1, january, "1000", 0)
	repo.corrections = []Correction{{ID: 5, ReadingID: 2, Value: dec("120"), Reason: "digit swap"}}
	svc := newTestService(repo, nil)

	res, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2, Mode: ModePreview})
	require.NoError(t, err)
	require.True(t, res.Bills[0].Consumption.Equal(dec("35")))

	repo.corrections = append(repo.corrections, Correction{ID: 6, ReadingID: 1, Value: dec("90"), Reason: "misread"})
	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)
	b := repo.billsFor(february)[0]
	require.True(t, b.PreviousReading.Equal(dec("90")))
	require.True(t, b.Consumption.Equal(dec("45")))
	require.True(t, repo.corrections[1].Applied)
	require.False(t, repo.corrections[0].Applied)
}

func TestGenerateNegativeConsumptionIsFlaggedNotBlocked(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "50")
	repo.addReading(1, 1, day(2024, time.January, 28), "40")

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Mode: ModePreview})
	require.NoError(t, err)
	require.Len(t, res.Bills, 1)
	b := res.Bills[0]
	require.True(t, b.Consumption.Equal(dec("-10")))
	require.Zero(t, b.WaterCharge)
	require.Equal(t, int64(2000), b.Total)
	require.Equal(t, 1, res.Summary.NegativeConsumption)
	requireBillInvariants(t, res.Bills)
}

func TestGenerateCombinesEveryAdjustment(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")
	repo.initial[1] = 3000
	repo.subsidies = []SubsidyAssignment{{ID: 1, CustomerID: 1, SubsidyID: 2, Percentage: dec("50"), Change: SubsidyAssigned, ChangedAt: day(2023, time.December, 1)}}
	repo.discounts = []DiscountAssignment{{ID: 3, CustomerID: 1, DiscountID: 1, Kind: DiscountAmount, Value: dec("500"), DefinitionActive: true, Active: true, ValidFrom: day(2023, time.January, 1)}}
	repo.fines = []Fine{
		{ID: 4, CustomerID: 1, Amount: 1000, IssuedAt: day(2024, time.January, 5)},
		{ID: 5, CustomerID: 1, Amount: 1190, AffectsVAT: true, IssuedAt: day(2024, time.January, 6)},
	}
	restored := day(2024, time.January, 12)
	repo.reconnections = []Reconnection{{ID: 6, CustomerID: 1, Status: ReconnectionRestored, CutAt: day(2024, time.January, 10), RestoredAt: &restored}}
	repo.plans = []InstallmentPlan{{ID: 9, CustomerID: 1, OriginalDebt: 65000, TotalInstallments: 6, FirstInstallment: 15000, RegularInstallment: 10000, StartDate: day(2024, time.January, 1)}}

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Summary.WithDiscount)
	require.Equal(t, 1, res.Summary.WithSubsidy)
	require.Equal(t, 1, res.Summary.WithInstallment)
	require.Equal(t, 1, res.Summary.WithFines)

	b := repo.billsFor(january)[0]
	require.Equal(t, int64(500), b.Discount)
	require.Equal(t, int64(6190), b.VATCharges)
	require.Equal(t, int64(10664), b.Net)
	require.Equal(t, int64(2026), b.VAT)
	require.Equal(t, int64(3500), b.Subsidy)
	require.Equal(t, int64(3000), b.PriorBalance)
	require.Equal(t, int64(16000), b.Installment)
	require.Equal(t, int64(28190), b.Total)
	requireBillInvariants(t, []Bill{b})

	require.Equal(t, b.ID, repo.fineBill[4])
	require.Equal(t, b.ID, repo.fineBill[5])
	require.Equal(t, b.ID, repo.reconBill[6])
	require.Equal(t, []int64{b.ID}, repo.discountLinks[3])
}

func TestGenerateFormerCustomerUsesCurrentRecordMeter(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	sold := day(2024, time.January, 15)
	repo.customers = []Customer{
		{ID: 10, Number: "050", AddressID: 10, ServiceStart: day(2019, time.January, 1), OwnershipStart: day(2019, time.January, 1), OwnershipEnd: &sold},
		{ID: 11, Number: "050", AddressID: 11, IsCurrent: true, ServiceStart: day(2019, time.January, 1), OwnershipStart: day(2024, time.January, 16)},
	}
	repo.addMeter(20, 11, "0")
	repo.addReading(1, 20, day(2024, time.January, 30), "8")

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Mode: ModePreview})
	require.NoError(t, err)
	require.Len(t, res.Bills, 2)
	require.Equal(t, int64(11), res.Bills[0].CustomerID)
	require.Equal(t, int64(10), res.Bills[1].CustomerID)
	require.Equal(t, int64(20), res.Bills[1].MeterID)
}

func TestGenerateRejectsRerunWithoutOverwrite(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")
	repo.creditNotes = []CreditNote{{ID: 1, CustomerID: 1, Amount: 100, IssuedAt: day(2024, time.January, 2)}}
	svc := newTestService(repo, nil)

	_, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.ErrorIs(t, err, ErrPeriodAlreadyBilled)

	repo.addReading(2, 1, day(2024, time.January, 30), "12")
	res, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Overwrite: true})
	require.NoError(t, err)
	require.Equal(t, "1000", res.FinalFolio)
	bills := repo.billsFor(january)
	require.Len(t, bills, 1)
	require.True(t, bills[0].Consumption.Equal(dec("12")))
}

func TestGenerateFatalErrors(t *testing.T) {
	t.Run("no tariff", func(t *testing.T) {
		repo := newMemoryRepo()
		_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
		require.ErrorIs(t, err, ErrNoTariff)
	})
	t.Run("overlapping tariffs", func(t *testing.T) {
		repo := newMemoryRepo()
		second := standardTariff()
		second.ID = 2
		repo.tariffs = []Tariff{standardTariff(), second}
		_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
		require.ErrorIs(t, err, ErrTariffOverlap)
	})
	t.Run("no preceding bills", func(t *testing.T) {
		repo := newMemoryRepo()
		repo.tariffs = []Tariff{standardTariff()}
		_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 3})
		require.ErrorIs(t, err, ErrFolioSeed)
	})
	t.Run("invalid month", func(t *testing.T) {
		repo := newMemoryRepo()
		_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 13})
		require.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("before first period", func(t *testing.T) {
		repo := newMemoryRepo()
		_, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2023, Month: 12})
		require.ErrorIs(t, err, ErrInvalidPeriod)
	})
}

func TestGenerateIndividualMatchesBatch(t *testing.T) {
	build := func() *memoryRepo {
		repo := newMemoryRepo()
		repo.tariffs = []Tariff{standardTariff()}
		for i := int64(1); i <= 4; i++ {
			repo.addCustomer(i, "00"+string(rune('0'+i)), day(2020, time.January, 1))
			repo.addMeter(i, i, "0")
			repo.addReading(i, i, day(2024, time.January, 25), "1"+string(rune('0'+i)))
		}
		repo.initial[2] = 1500
		return repo
	}
	batchRepo, individualRepo := build(), build()

	_, err := newTestService(batchRepo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	res, err := newTestService(individualRepo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Strategy: StrategyIndividual})
	require.NoError(t, err)
	require.Equal(t, 4, res.BillCount)
	require.Equal(t, batchRepo.billsFor(january), individualRepo.billsFor(january))
}

func TestGenerateCancelledBatchPersistsNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestService(repo, nil).Generate(ctx, GenerateInput{Year: 2024, Month: 1})
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, repo.bills)
}

func TestGenerateHonoursRunLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock := cache.NewRunLock(client, time.Minute)

	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")
	svc := newTestService(repo, lock)

	release, err := lock.Acquire(context.Background(), shared.BillingRunLockKey(2024, 1))
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.ErrorIs(t, err, ErrRunInProgress)

	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Mode: ModePreview})
	require.NoError(t, err)

	require.NoError(t, release(context.Background()))
	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.False(t, mr.Exists(shared.BillingRunLockKey(2024, 1)))
}

func TestGenerateIndividualWriteFailureIsSkipped(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "10")
	repo.failInsert = errors.New("connection reset")

	res, err := newTestService(repo, nil).Generate(context.Background(), GenerateInput{Year: 2024, Month: 1, Strategy: StrategyIndividual})
	require.NoError(t, err)
	require.Zero(t, res.BillCount)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, SkipAssemblyFailed, res.Skipped[0].Reason)
	require.Contains(t, res.Skipped[0].Detail, "connection reset")
	require.Equal(t, "1000", res.Skipped[0].Folio)
}

// consumingFixture bills customer 1 for February with a credit note, a fine, a reconnection and a
// reading correction, all of which the bill consumes.
func consumingFixture() *memoryRepo {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	repo.addCustomer(1, "001", day(2020, time.January, 1))
	repo.addMeter(1, 1, "0")
	repo.addReading(1, 1, day(2024, time.January, 28), "100")
	repo.addReading(2, 1, day(2024, time.February, 27), "110")
	repo.seedPreviousBill(1, january, "1000", 20000)
	repo.payments = []memPayment{{customerID: 1, amount: 20000, paidAt: day(2024, time.February, 10)}}
	repo.creditNotes = []CreditNote{{ID: 7, CustomerID: 1, Amount: 5000, IssuedAt: day(2024, time.January, 15)}}
	repo.fines = []Fine{{ID: 4, CustomerID: 1, Amount: 1000, IssuedAt: day(2024, time.February, 5)}}
	restored := day(2024, time.February, 12)
	repo.reconnections = []Reconnection{{ID: 6, CustomerID: 1, Status: ReconnectionRestored, CutAt: day(2024, time.February, 10), RestoredAt: &restored}}
	repo.corrections = []Correction{{ID: 9, ReadingID: 1, Value: dec("95"), Reason: "misread"}}
	return repo
}

func requireConsumedBy(t *testing.T, repo *memoryRepo, billID int64) {
	t.Helper()
	require.Equal(t, billID, repo.noteBill[7])
	require.Equal(t, billID, repo.fineBill[4])
	require.Equal(t, billID, repo.reconBill[6])
	require.Equal(t, billID, repo.correctionFor[9])
	require.True(t, repo.corrections[0].Applied)
}

func TestGenerateOverwriteRebillsConsumedRecords(t *testing.T) {
	for _, strategy := range []Strategy{StrategyBatch, StrategyIndividual} {
		t.Run(string(strategy), func(t *testing.T) {
			repo := consumingFixture()
			svc := newTestService(repo, nil)

			_, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2, Strategy: strategy})
			require.NoError(t, err)
			first := repo.billsFor(february)
			require.Len(t, first, 1)
			require.Equal(t, int64(1000), first[0].Installment)
			require.Positive(t, first[0].VATCharges)
			require.True(t, first[0].PreviousReading.Equal(dec("95")))
			requireConsumedBy(t, repo, first[0].ID)

			res, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2, Strategy: strategy, Overwrite: true})
			require.NoError(t, err)
			require.Equal(t, 1, res.BillCount)
			require.Equal(t, 1, res.Summary.WithFines)
			second := repo.billsFor(february)
			require.Len(t, second, 1)
			require.NotEqual(t, first[0].ID, second[0].ID)
			requireConsumedBy(t, repo, second[0].ID)

			want, got := first[0], second[0]
			want.ID, got.ID = 0, 0
			require.Equal(t, want, got)
		})
	}
}

func TestGenerateBatchWriteFailureRollsBackEveryChunk(t *testing.T) {
	repo := newMemoryRepo()
	repo.tariffs = []Tariff{standardTariff()}
	for i := int64(1); i <= 3; i++ {
		repo.addCustomer(i, "00"+string(rune('0'+i)), day(2020, time.January, 1))
		repo.addMeter(i, i, "0")
		repo.addReading(i, i, day(2024, time.January, 25), "10")
	}
	repo.fines = []Fine{{ID: 4, CustomerID: 1, Amount: 1000, IssuedAt: day(2024, time.January, 5)}}
	repo.failInsert = errors.New("connection reset")
	repo.failInsertAt = 2
	svc := newTestService(repo, nil)

	_, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.ErrorContains(t, err, "connection reset")
	require.Equal(t, 2, repo.inserts)
	require.Empty(t, repo.bills)
	require.Empty(t, repo.fineBill)

	repo.failInsert = nil
	res, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 3, res.BillCount)
	bills := repo.billsFor(january)
	require.Len(t, bills, 3)
	require.Equal(t, bills[0].ID, repo.fineBill[4])
}

func TestGenerateFailedOverwriteLeavesPeriodRebuildable(t *testing.T) {
	repo := consumingFixture()
	svc := newTestService(repo, nil)

	_, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)
	first := repo.billsFor(february)[0]

	repo.failLink = errors.New("lock timeout")
	_, err = svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2, Overwrite: true})
	require.ErrorContains(t, err, "lock timeout")
	require.Empty(t, repo.billsFor(february))
	require.Empty(t, repo.noteBill)
	require.Empty(t, repo.fineBill)
	require.Empty(t, repo.reconBill)
	require.False(t, repo.corrections[0].Applied)

	repo.failLink = nil
	res, err := svc.Generate(context.Background(), GenerateInput{Year: 2024, Month: 2})
	require.NoError(t, err)
	require.Equal(t, first.Folio, res.FinalFolio)
	rebuilt := repo.billsFor(february)[0]
	requireConsumedBy(t, repo, rebuilt.ID)
	require.Equal(t, first.Total, rebuilt.Total)
}
