package broadcast

import (
	"fmt"
	"strconv"
	"sync"
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

// DefaultPause is the delay between consecutive recipients in a batch.
const DefaultPause = 2 * time.Second

// Config controls the broadcast scheduler.
type Config struct {
	Enabled bool

	// UTCOffsetHours defines the canonical clock: every weekday/hour decision
	// and every history timestamp uses this single fixed offset.
	UTCOffsetHours int

	// PauseBetween is the inter-recipient pacing (DefaultPause when zero).
	PauseBetween time.Duration
}

// Location builds the fixed-offset location for this config.
func (c Config) Location() *time.Location {
	name := "UTC"
	if c.UTCOffsetHours != 0 {
		name = fmt.Sprintf("UTC%+d", c.UTCOffsetHours)
	}
	return time.FixedZone(name, c.UTCOffsetHours*3600)
}

func (c Config) pause() time.Duration {
	if c.PauseBetween <= 0 {
		return DefaultPause
	}
	return c.PauseBetween
}

// SlotKey is the dedup ledger key for one (weekday, hour) slot: "d-h" with
// d in 1..6 (Monday..Saturday).
func SlotKey(day time.Weekday, hour int) string {
	return strconv.Itoa(int(day)) + "-" + strconv.Itoa(hour)
}

// Outcome classifies one evaluation pass.
type Outcome string

const (
	OutcomeDispatched        Outcome = "dispatched"
	OutcomeDisabled          Outcome = "disabled"
	OutcomeSunday            Outcome = "skipped_sunday"
	OutcomeHourNotConfigured Outcome = "skipped_hour_not_configured"
	OutcomeAlreadyFired      Outcome = "skipped_already_fired"
	OutcomeIncompleteContent Outcome = "skipped_incomplete_content"
	OutcomeNoRecipients      Outcome = "skipped_no_recipients"
)

// Result summarizes one evaluation pass (cron tick or manual trigger).
type Result struct {
	Key     string  `json:"key,omitempty"`
	Outcome Outcome `json:"outcome"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
}

// FiredEvent is published on the bus (eventbus.TypeSlotFired) after a
// dispatch batch finishes.
type FiredEvent struct {
	Key    string
	Day    time.Weekday
	Hour   int
	Sent   int
	Failed int
}

// Snapshot is the scheduler state reported by /status.
type Snapshot struct {
	Enabled      bool      `json:"enabled"`
	Timezone     string    `json:"timezone"`
	Hours        []int     `json:"hours"`
	LastRunAt    time.Time `json:"lastRunAt,omitzero"`
	LastOutcome  Outcome   `json:"lastOutcome,omitempty"`
	LastFiredKey string    `json:"lastFiredKey,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron

	// runMu makes evaluation single-flight across cron ticks and RunNow.
	runMu sync.Mutex

	// ledgerMu serializes ledger mutations so the midnight clear cannot
	// interleave with an in-flight mark.
	ledgerMu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	content  *content.Store
	registry *recipients.Registry
	hours    *schedule.Hours
	client   transport.Client

	// Last evaluation result, guarded by mu.
	lastRunAt    time.Time
	lastOutcome  Outcome
	lastFiredKey string
}
