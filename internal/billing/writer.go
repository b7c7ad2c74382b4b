package billing

import (
	"context"
	"fmt"
)

// BillWriter persists bills and marks the side records they consumed. Implementations handed out
// by Repository.InTx share one transaction and are not safe for concurrent use.
type BillWriter interface {
	InsertBills(ctx context.Context, bills []Bill) ([]int64, error)
	MarkCreditNotesApplied(ctx context.Context, links []Link) error
	LinkFines(ctx context.Context, links []Link) error
	LinkReconnections(ctx context.Context, links []Link) error
	LinkDiscounts(ctx context.Context, links []Link) error
	MarkCorrectionsApplied(ctx context.Context, links []Link) error
}

// BatchWriter writes drafts in bounded chunks. Run it inside Repository.InTx so a failed chunk
// rolls back every bill and link written before it.
type BatchWriter struct {
	store BillWriter
	chunk int
}

// NewBatchWriter returns a writer flushing chunk bills per insert; chunk<=0 means 100.
func NewBatchWriter(store BillWriter, chunk int) *BatchWriter {
	if chunk <= 0 {
		chunk = 100
	}
	return &BatchWriter{store: store, chunk: chunk}
}

// Write persists drafts in order and fills in their bill ids. It returns how many bills were stored.
func (w *BatchWriter) Write(ctx context.Context, drafts []Draft) (int, error) {
	written := 0
	for start := 0; start < len(drafts); start += w.chunk {
		end := min(start+w.chunk, len(drafts))
		if err := w.writeChunk(ctx, drafts[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (w *BatchWriter) writeChunk(ctx context.Context, drafts []Draft) error {
	bills := make([]Bill, len(drafts))
	for i := range drafts {
		bills[i] = drafts[i].Bill
	}
	ids, err := w.store.InsertBills(ctx, bills)
	if err != nil {
		return fmt.Errorf("billing: insert bills: %w", err)
	}
	if len(ids) != len(drafts) {
		return fmt.Errorf("billing: insert bills returned %d ids for %d bills", len(ids), len(drafts))
	}

	var notes, fines, reconnections, discounts, corrections []Link
	for i := range drafts {
		billID := ids[i]
		drafts[i].Bill.ID = billID
		l := drafts[i].Links
		notes = appendLinks(notes, l.CreditNoteIDs, billID)
		fines = appendLinks(fines, l.FineIDs, billID)
		reconnections = appendLinks(reconnections, l.ReconnectionIDs, billID)
		discounts = appendLinks(discounts, l.DiscountIDs, billID)
		corrections = appendLinks(corrections, l.CorrectionIDs, billID)
	}

	steps := []struct {
		what  string
		links []Link
		fn    func(context.Context, []Link) error
	}{
		{"apply credit notes", notes, w.store.MarkCreditNotesApplied},
		{"link fines", fines, w.store.LinkFines},
		{"link reconnections", reconnections, w.store.LinkReconnections},
		{"link discounts", discounts, w.store.LinkDiscounts},
		{"apply corrections", corrections, w.store.MarkCorrectionsApplied},
	}
	for _, step := range steps {
		if len(step.links) == 0 {
			continue
		}
		if err := step.fn(ctx, step.links); err != nil {
			return fmt.Errorf("billing: %s: %w", step.what, err)
		}
	}
	return nil
}

func appendLinks(dst []Link, ids []int64, billID int64) []Link {
	for _, id := range ids {
		dst = append(dst, Link{ID: id, BillID: billID})
	}
	return dst
}
