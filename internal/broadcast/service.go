package broadcast

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/recipients"
	"groupcast/internal/schedule"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

func New(
	cfg Config,
	store storage.Store,
	contentStore *content.Store,
	registry *recipients.Registry,
	hours *schedule.Hours,
	client transport.Client,
	bus eventbus.Bus,
	log logx.Logger,
) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		loc:      cfg.Location(),
		log:      log,
		bus:      bus,
		store:    store,
		content:  contentStore,
		registry: registry,
		hours:    hours,
		client:   client,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offsetChanged := s.cfg.UTCOffsetHours != cfg.UTCOffsetHours
	s.cfg = cfg
	s.loc = cfg.Location()

	if s.c == nil {
		return
	}
	if offsetChanged {
		// The cron clock must follow the canonical offset; restart it.
		s.stopCronLocked(context.Background())
		s.startCronLocked()
	}
}

// Start begins the hourly evaluation tick and the midnight ledger reset,
// both on the canonical fixed-offset clock.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startCronLocked()
	s.log.Info("scheduler started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.String("tz", s.loc.String()),
		logx.Duration("pause", s.cfg.pause()))
}

func (s *Service) startCronLocked() {
	c := cron.New(cron.WithLocation(s.loc))
	// Entry IDs are not kept: the schedule is fixed and the whole cron is
	// torn down on Stop or offset change.
	_, _ = c.AddFunc("0 * * * *", s.tick)
	_, _ = c.AddFunc("0 0 * * *", s.midnight)
	c.Start()
	s.c = c
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopCronLocked(ctx)
	s.mu.Unlock()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) stopCronLocked(ctx context.Context) {
	c := s.c
	s.c = nil
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

func (s *Service) tick() {
	ctx := context.Background()
	res, err := s.Evaluate(ctx, time.Now())
	if err != nil {
		s.log.Error("evaluation failed", logx.Err(err))
		return
	}
	if res.Outcome == OutcomeDispatched {
		s.log.Info("slot dispatched",
			logx.String("key", res.Key),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed))
	} else {
		s.log.Debug("evaluation pass", logx.String("outcome", string(res.Outcome)))
	}
}

// midnight clears the dedup ledger so every slot becomes eligible again for
// the new calendar day.
func (s *Service) midnight() {
	s.ledgerMu.Lock()
	err := s.store.ResetLedger(context.Background())
	s.ledgerMu.Unlock()
	if err != nil {
		s.log.Error("midnight ledger reset failed", logx.Err(err))
		return
	}
	s.log.Info("dedup ledger cleared")
}

// RunNow triggers one evaluation pass immediately, through the same
// single-flight path as the cron tick. Dedup still applies, so a manual run
// can never double-fire a slot.
func (s *Service) RunNow(ctx context.Context) (Result, error) {
	return s.Evaluate(ctx, time.Now())
}

// Snapshot reports scheduler state for the status endpoint.
func (s *Service) Snapshot() Snapshot {
	hours, err := s.hours.Get()
	if err != nil {
		s.log.Warn("reading hour set for snapshot", logx.Err(err))
	}

	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.loc.String(),
		Hours:    hours,
	}
	snap.LastRunAt = s.lastRunAt
	snap.LastOutcome = s.lastOutcome
	snap.LastFiredKey = s.lastFiredKey
	s.mu.Unlock()
	return snap
}
