package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aguarural/boletas/internal/billing"
)

// Generator is the billing service surface used by the CLI.
type Generator interface {
	Generate(ctx context.Context, in billing.GenerateInput) (billing.RunResult, error)
}

// BillingCLI drives generation runs from the command line.
type BillingCLI struct {
	service Generator
}

// NewBillingCLI wires the CLI to a billing service.
func NewBillingCLI(service Generator) (*BillingCLI, error) {
	if service == nil {
		return nil, errors.New("billing cli: service required")
	}
	return &BillingCLI{service: service}, nil
}

// RunOptions holds the flags shared by preview and generate.
type RunOptions struct {
	Period     string
	Persist    bool
	Individual bool
	Overwrite  bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunCommand executes a run and prints the outcome. Exit code 10 signals skipped customers.
func (c *BillingCLI) RunCommand(ctx context.Context, opts RunOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	period, err := billing.ParsePeriod(strings.TrimSpace(opts.Period))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "billing: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	in := billing.GenerateInput{
		Year:      period.Year,
		Month:     int(period.Month),
		Mode:      billing.ModePreview,
		Strategy:  billing.StrategyBatch,
		Overwrite: opts.Overwrite,
	}
	if opts.Persist {
		in.Mode = billing.ModePersist
	}
	if opts.Individual {
		in.Strategy = billing.StrategyIndividual
	}
	res, err := c.service.Generate(ctx, in)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "billing: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(res); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "billing: encode json: %v\n", err)
			return 1
		}
	} else {
		renderRunHuman(opts.Stdout, res)
	}
	if len(res.Skipped) > 0 {
		return 10
	}
	return 0
}

func renderRunHuman(out io.Writer, res billing.RunResult) {
	_, _ = fmt.Fprintf(out, "Period %s (%s, %s): %d bill(s), total %s\n",
		res.Period, res.Mode, res.Strategy, res.BillCount, res.Summary.TotalAmountLabel)
	if res.FinalFolio != "" {
		_, _ = fmt.Fprintf(out, "Final folio: %s\n", res.FinalFolio)
	}
	for _, b := range res.Bills {
		_, _ = fmt.Fprintf(out, " - %s customer %s consumption %s m3 total %s\n",
			b.Folio, b.CustomerNumber, b.Consumption.String(), billing.FormatAmount(b.Total))
	}
	if res.Summary.NegativeConsumption > 0 {
		_, _ = fmt.Fprintf(out, "%d bill(s) with negative consumption\n", res.Summary.NegativeConsumption)
	}
	if len(res.Skipped) > 0 {
		_, _ = fmt.Fprintf(out, "%d customer(s) skipped:\n", len(res.Skipped))
		for _, s := range res.Skipped {
			_, _ = fmt.Fprintf(out, " - %s (id %d): %s\n", s.CustomerNumber, s.CustomerID, s.Reason)
		}
	}
}
