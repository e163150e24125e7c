package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/recipients"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// effectiveDay maps clock weekday and hour to the slot's weekday. At hours
// 00 and 01 a firing still belongs to the previous calendar day (a schedule
// reaching past midnight counts as that day's late slots); Sunday wraps back
// to Saturday.
func effectiveDay(day time.Weekday, hour int) time.Weekday {
	if hour > 1 {
		return day
	}
	if day == time.Sunday {
		return time.Saturday
	}
	return day - 1
}

// Evaluate runs one full evaluation pass for the given wall-clock instant:
// weekday, hour set, dedup ledger, content, recipients, then dispatch.
//
// Skips (Sunday, unconfigured hour, already fired, incomplete content, no
// recipients) return a Result and nil error; only real I/O failures return a
// non-nil error, and those never mark the slot.
func (s *Service) Evaluate(ctx context.Context, now time.Time) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()

	// A firing runs to completion once started. The trigger's own
	// cancellation (an HTTP client disconnecting from the manual-run
	// endpoint) must not abort a batch mid-flight.
	res, err := s.evaluate(context.WithoutCancel(ctx), cfg, now.In(loc))

	s.mu.Lock()
	s.lastRunAt = now.In(loc)
	s.lastOutcome = res.Outcome
	if res.Outcome == OutcomeDispatched {
		s.lastFiredKey = res.Key
	}
	s.mu.Unlock()
	return res, err
}

func (s *Service) evaluate(ctx context.Context, cfg Config, now time.Time) (Result, error) {
	if !cfg.Enabled {
		return Result{Outcome: OutcomeDisabled}, nil
	}

	hour := now.Hour()
	day := effectiveDay(now.Weekday(), hour)
	if day == time.Sunday {
		return Result{Outcome: OutcomeSunday}, nil
	}
	key := SlotKey(day, hour)

	configured, err := s.hours.Contains(hour)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("reading hour set: %w", err)
	}
	if !configured {
		return Result{Key: key, Outcome: OutcomeHourNotConfigured}, nil
	}

	s.ledgerMu.Lock()
	fired, err := s.store.HasFired(ctx, key)
	s.ledgerMu.Unlock()
	if err != nil {
		return Result{Key: key}, fmt.Errorf("reading dedup ledger: %w", err)
	}
	if fired {
		return Result{Key: key, Outcome: OutcomeAlreadyFired}, nil
	}

	entry, err := s.content.Resolve(day)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("resolving content: %w", err)
	}
	if !entry.Complete() {
		s.log.Warn("slot has incomplete content; not marking",
			logx.String("key", key),
			logx.Bool("caption", entry.Caption != ""),
			logx.Bool("image", entry.ImagePath != ""))
		return Result{Key: key, Outcome: OutcomeIncompleteContent}, nil
	}

	targets, err := s.registry.Selected()
	if err != nil {
		return Result{Key: key}, fmt.Errorf("reading recipients: %w", err)
	}
	if len(targets) == 0 {
		s.log.Warn("slot has no recipients; not marking", logx.String("key", key))
		return Result{Key: key, Outcome: OutcomeNoRecipients}, nil
	}

	sent, failed, complete := s.dispatch(ctx, cfg, key, entry, targets, now.Location())

	// The slot is marked only after the whole batch, failures included, so a
	// crash or interruption mid-batch re-fires the slot rather than silently
	// dropping tails.
	if complete {
		s.ledgerMu.Lock()
		err = s.store.MarkFired(ctx, key)
		s.ledgerMu.Unlock()
		if err != nil {
			s.log.Error("marking slot after dispatch", logx.String("key", key), logx.Err(err))
		}
	} else {
		s.log.Error("batch interrupted; slot left unmarked for re-fire", logx.String("key", key))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSlotFired,
			Data: FiredEvent{Key: key, Day: day, Hour: hour, Sent: sent, Failed: failed},
		})
	}
	return Result{Key: key, Outcome: OutcomeDispatched, Sent: sent, Failed: failed}, nil
}

// dispatch sends the entry to every target in order. Pacing comes from a
// per-batch limiter at one send per pause with burst 1: the first send is
// immediate and no delay trails the last.
//
// Every target gets exactly one history record, even when the batch is cut
// short; complete is false in that case so the caller leaves the slot
// unmarked.
func (s *Service) dispatch(
	ctx context.Context,
	cfg Config,
	key string,
	entry content.Entry,
	targets []recipients.Recipient,
	loc *time.Location,
) (sent, failed int, complete bool) {
	limiter := rate.NewLimiter(rate.Every(cfg.pause()), 1)
	total := len(targets)

	for i, target := range targets {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Warn("dispatch interrupted",
				logx.String("key", key),
				logx.Int("delivered", i),
				logx.Err(err))
			// Tail records must land even though ctx is already dead.
			tailCtx := context.WithoutCancel(ctx)
			for j := i; j < total; j++ {
				s.appendRecord(tailCtx, key, s.failureRecord(tailCtx, targets[j], j, total, loc, err))
			}
			failed += total - i
			return sent, failed, false
		}

		// Timestamp at attempt start; a slow send doesn't shift the record.
		attemptAt := time.Now().In(loc)
		name := s.resolveName(ctx, target)

		rec := storage.HistoryRecord{
			ID:            uuid.NewString(),
			RecipientID:   target.ID,
			RecipientName: name,
			Timestamp:     attemptAt,
			Position:      fmt.Sprintf("%d/%d", i+1, total),
		}

		err := s.client.Send(ctx, target.ID, transport.Media{Path: entry.ImagePath}, entry.Caption)
		if err != nil {
			rec.Status = storage.StatusFailure
			rec.ErrorDetail = err.Error()
			rec.Message = fmt.Sprintf("send to %s failed: %v", name, err)
			failed++
			s.log.Warn("send failed",
				logx.String("key", key),
				logx.String("recipient", target.ID),
				logx.String("position", rec.Position),
				logx.Err(err))
		} else {
			rec.Status = storage.StatusSuccess
			rec.Message = fmt.Sprintf("sent to %s", name)
			sent++
		}

		s.appendRecord(ctx, key, rec)
	}
	return sent, failed, true
}

func (s *Service) failureRecord(ctx context.Context, target recipients.Recipient, idx, total int, loc *time.Location, cause error) storage.HistoryRecord {
	name := s.resolveName(ctx, target)
	return storage.HistoryRecord{
		ID:            uuid.NewString(),
		RecipientID:   target.ID,
		RecipientName: name,
		Status:        storage.StatusFailure,
		Timestamp:     time.Now().In(loc),
		Position:      fmt.Sprintf("%d/%d", idx+1, total),
		Message:       fmt.Sprintf("send to %s failed: %v", name, cause),
		ErrorDetail:   cause.Error(),
	}
}

func (s *Service) appendRecord(ctx context.Context, key string, rec storage.HistoryRecord) {
	if err := s.store.AppendHistory(ctx, rec); err != nil {
		// History is best-effort evidence; an unwritable log must not stop
		// the batch.
		s.log.Error("appending history record", logx.String("key", key), logx.Err(err))
	}
}

// resolveName asks the transport for the recipient's current display name,
// falling back to the stored name when the transport can't answer.
func (s *Service) resolveName(ctx context.Context, target recipients.Recipient) string {
	name, err := s.client.ResolveName(ctx, target.ID)
	if err != nil || name == "" {
		return target.Name
	}
	return name
}
