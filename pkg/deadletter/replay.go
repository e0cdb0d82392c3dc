package deadletter

import (
	"context"

	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
)

// Processor re-runs one dead-lettered delivery through the pipeline.
type Processor func(ctx context.Context, e Entry) error

type Summary struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replayer drains dead letters out of band. Nothing here runs on the request
// path.
type Replayer struct {
	repo     *Repository
	process  Processor
	redactor Redactor
}

func NewReplayer(repo *Repository, process Processor, redactor Redactor) *Replayer {
	return &Replayer{repo: repo, process: process, redactor: redactor}
}

// DrainStore replays up to limit pending entries from the database.
func (r *Replayer) DrainStore(ctx context.Context, limit int) (Summary, error) {
	var sum Summary
	entries, err := r.repo.Pending(ctx, limit)
	if err != nil {
		return sum, err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log := logger.FromContext(ctx).WithField("dead_letter_id", e.ID.String())
		if err := r.process(ctx, e); err != nil {
			sum.Failed++
			log.WithError(err).Warn("dead letter replay failed")
			if markErr := r.repo.MarkFailed(ctx, e.ID, r.redact(err.Error())); markErr != nil {
				return sum, markErr
			}
			continue
		}
		sum.Replayed++
		if err := r.repo.MarkReplayed(ctx, e.ID); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// HandleEvent replays one entry from the DLQ topic. Entries that fail again
// are parked in the database as failed so the topic can advance.
func (r *Replayer) HandleEvent(ctx context.Context, event models.Event) error {
	e, err := EntryFromEvent(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("skipping malformed dead letter event")
		return nil
	}
	procErr := r.process(ctx, e)
	if procErr == nil {
		e.Status = StatusReplayed
	} else {
		e.Status = StatusFailed
		e.LastError = r.redact(procErr.Error())
		logger.FromContext(ctx).WithError(procErr).WithField("dead_letter_id", e.ID.String()).Warn("dead letter replay failed")
	}
	e.Attempts++
	if r.repo == nil {
		return nil
	}
	return r.repo.db.WithContext(ctx).Save(&e).Error
}

func (r *Replayer) redact(s string) string {
	if r.redactor == nil {
		return s
	}
	return r.redactor.Redact(s)
}
