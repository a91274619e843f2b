package sync

import (
	"context"
	"fmt"
	"log"
	"time"
)

// PullProcessor fetches server-side changes page by page and applies them to
// the local store. The watermark only moves over items that were handled.
type PullProcessor struct {
	journal   *Journal
	ledger    *Ledger
	store     LocalStore
	transport Transport
	reporter  *ConflictReporter
	pageSize  int
	maxPages  int
	timeout   time.Duration
	logger    *log.Logger
}

// Pull fetches changes for each type in turn
func (p *PullProcessor) Pull(ctx context.Context, types []EntityType) (PullSummary, error) {
	var summary PullSummary
	for _, t := range types {
		s, err := p.pullType(ctx, t)
		summary.merge(s)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (p *PullProcessor) pullType(ctx context.Context, t EntityType) (PullSummary, error) {
	var summary PullSummary

	entry, err := p.ledger.Get(ctx, t)
	if err != nil {
		return summary, err
	}
	watermark := entry.LastPulledVersion

	for page := 0; page < p.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return summary, &TransportError{Op: "pull", Err: err}
		}

		before := watermark
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := p.transport.Pull(callCtx, PullRequest{EntityType: t, Since: watermark, Limit: p.pageSize})
		cancel()
		if err != nil {
			p.logger.Printf("❌ Pull of %s since %d failed: %v", t, watermark, err)
			return summary, err
		}
		if resp.ServerTime != "" {
			summary.ServerTime = resp.ServerTime
		}

		highest, applyErr := p.applyPage(ctx, t, watermark, resp.Items, &summary)
		if highest > watermark {
			if err := p.ledger.AdvancePulled(ctx, t, highest); err != nil {
				return summary, err
			}
			watermark = highest
		}
		if applyErr != nil {
			return summary, applyErr
		}

		if !resp.HasMore {
			summary.HasMore = false
			p.logPulled(t, summary)
			return summary, nil
		}
		// the same request would come back with the same page
		if watermark == before {
			p.logger.Printf("⚠️ Server reported more %s changes but sent nothing new, stopping", t)
			summary.HasMore = true
			return summary, nil
		}
	}

	summary.HasMore = true
	p.logPulled(t, summary)
	return summary, nil
}

func (p *PullProcessor) logPulled(t EntityType, s PullSummary) {
	if len(s.Items) > 0 || s.Conflicts > 0 {
		p.logger.Printf("📥 Pulled %s: %d applied, %d skipped, %d held back", t, s.Applied, s.Skipped, s.Conflicts)
	}
}

// applyPage handles the items in the order the server returned them. It
// returns the highest version that is safe to store as the new watermark:
// on failure that is below the failed item, so a retry picks it up again.
func (p *PullProcessor) applyPage(ctx context.Context, t EntityType, watermark int64, items []PullItem, summary *PullSummary) (int64, error) {
	highest := watermark
	for i, item := range items {
		if item.EntityType != t {
			p.logger.Printf("⚠️ Ignoring %s:%s in a %s page", item.EntityType, item.EntityID, t)
			continue
		}
		if i > 0 && item.Version < items[i-1].Version {
			p.logger.Printf("⚠️ %s page is not in version order at %s:%s", t, item.EntityType, item.EntityID)
		}

		if err := p.applyItem(ctx, t, watermark, item, summary); err != nil {
			if limit := item.Version - 1; limit < highest {
				highest = limit
			}
			return max(highest, watermark), fmt.Errorf("failed to apply %s:%s version %d: %w", t, item.EntityID, item.Version, err)
		}
		if item.Version > highest {
			highest = item.Version
		}
	}
	return highest, nil
}

func (p *PullProcessor) applyItem(ctx context.Context, t EntityType, watermark int64, item PullItem, summary *PullSummary) error {
	if item.Version <= watermark {
		summary.Skipped++
		return nil
	}
	if !item.Operation.Valid() {
		p.logger.Printf("⚠️ Skipping %s:%s with unknown operation %q", t, item.EntityID, item.Operation)
		summary.Skipped++
		return nil
	}

	applied, err := p.store.AppliedVersion(ctx, t, item.EntityID)
	if err != nil {
		return err
	}
	if item.Version <= applied {
		summary.Skipped++
		return nil
	}

	// A pending local edit is never overwritten silently
	rec, err := p.journal.Find(ctx, t, item.EntityID)
	if err != nil {
		return err
	}
	if rec != nil && item.Version <= rec.BaseVersion {
		// the local edit already builds on this version, only the guard was lost
		if err := p.store.MarkApplied(ctx, t, item.EntityID, item.Version); err != nil {
			return err
		}
		summary.Skipped++
		return nil
	}
	if rec != nil {
		if err := p.reporter.ReportRemote(ctx, *rec, item); err != nil {
			return err
		}
		if err := p.journal.MarkAttention(ctx, t, item.EntityID, StatusConflict, "remote change while local edit pending", item.Version); err != nil {
			return err
		}
		summary.Conflicts++
		return nil
	}

	if item.Operation == OpDelete {
		err = p.store.DeleteEntity(ctx, t, item.EntityID, item.Version)
	} else {
		err = p.store.UpsertEntity(ctx, t, item.EntityID, item.Data, item.Version)
	}
	if err != nil {
		return err
	}

	summary.Applied++
	summary.Items = append(summary.Items, item)
	return nil
}
