package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xelth-com/girosync/internal/models"
)

// PushProcessor sends journaled changes to the server in bounded batches and
// books the per-item verdicts into the journal and ledger
type PushProcessor struct {
	journal   *Journal
	ledger    *Ledger
	store     LocalStore
	transport Transport
	reporter  *ConflictReporter
	batchSize int
	timeout   time.Duration
	logger    *log.Logger
}

type entityKey struct {
	t  EntityType
	id string
}

// Push sends the pending changes of each type, type by type. It stops at the
// first transport failure; batches already answered stay booked.
func (p *PushProcessor) Push(ctx context.Context, types []EntityType) (PushSummary, error) {
	var summary PushSummary
	for _, t := range types {
		s, err := p.pushType(ctx, t)
		summary.merge(s)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (p *PushProcessor) pushType(ctx context.Context, t EntityType) (PushSummary, error) {
	var summary PushSummary
	batch := make([]models.ChangeRecord, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		s, err := p.sendBatch(ctx, t, batch)
		summary.merge(s)
		batch = batch[:0]
		return err
	}

	for rec, err := range p.journal.PendingFor(ctx, []EntityType{t}) {
		if err != nil {
			return summary, &LedgerCorruptionError{EntityType: t, Err: err}
		}
		batch = append(batch, rec)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	if summary.Processed > 0 {
		p.logger.Printf("📤 Pushed %s: %d processed, %d not accepted", t, summary.Processed, summary.Conflicts())
	}
	return summary, nil
}

// sendBatch sends one request. On a transport failure nothing is booked and
// every record of the batch stays pending as it was.
func (p *PushProcessor) sendBatch(ctx context.Context, t EntityType, batch []models.ChangeRecord) (PushSummary, error) {
	if err := ctx.Err(); err != nil {
		return PushSummary{}, &TransportError{Op: "push", Err: err}
	}

	items := make([]PushItem, 0, len(batch))
	byKey := make(map[entityKey]models.ChangeRecord, len(batch))
	for _, rec := range batch {
		items = append(items, PushItem{
			EntityType:  EntityType(rec.EntityType),
			EntityID:    rec.EntityID,
			Operation:   Operation(rec.Operation),
			Data:        []byte(rec.Payload),
			BaseVersion: rec.BaseVersion,
		})
		byKey[entityKey{EntityType(rec.EntityType), rec.EntityID}] = rec
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.transport.Push(callCtx, items)
	cancel()
	if err != nil {
		p.logger.Printf("❌ Push batch of %d %s failed: %v", len(batch), t, err)
		return PushSummary{}, err
	}

	summary := PushSummary{Processed: resp.Processed, ServerTime: resp.ServerTime}
	for _, res := range resp.Results {
		key := entityKey{res.EntityType, res.EntityID}
		rec, ok := byKey[key]
		if !ok {
			p.logger.Printf("⚠️ Server returned a result for %s:%s which was not in the batch", res.EntityType, res.EntityID)
			continue
		}
		delete(byKey, key)

		res = normalizeResult(res)
		if err := p.book(ctx, rec, res); err != nil {
			return summary, err
		}
		summary.Results = append(summary.Results, res)
	}

	if len(byKey) > 0 {
		p.logger.Printf("⚠️ %d %s changes got no verdict and stay pending", len(byKey), t)
	}
	return summary, nil
}

func normalizeResult(res PushResult) PushResult {
	switch res.Status {
	case StatusOK, StatusConflict, StatusError:
		return res
	}
	msg := fmt.Sprintf("unknown status %q", res.Status)
	if res.Message != nil {
		msg += ": " + *res.Message
	}
	res.Status = StatusError
	res.Message = &msg
	return res
}

// book applies one verdict to the journal, ledger and conflict reports
func (p *PushProcessor) book(ctx context.Context, rec models.ChangeRecord, res PushResult) error {
	if err := p.journal.Acknowledge(ctx, rec, res); err != nil {
		return err
	}

	t := EntityType(rec.EntityType)
	if res.Status != StatusOK {
		return p.reporter.ReportPush(ctx, rec, res)
	}
	if res.ServerVersion <= 0 {
		return nil
	}
	if err := p.ledger.RaisePushed(ctx, t, res.ServerVersion); err != nil {
		return err
	}
	// our own version must not come back as a foreign change
	return p.store.MarkApplied(ctx, t, rec.EntityID, res.ServerVersion)
}
