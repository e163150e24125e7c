package broadcast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/recipients"
	"groupcast/internal/schedule"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type sentCall struct {
	recipientID string
	imagePath   string
	caption     string
}

type fakeClient struct {
	mu      sync.Mutex
	sent    []sentCall
	failFor map[string]error
	names   map[string]string
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }
func (f *fakeClient) Stop(ctx context.Context) error  { return nil }
func (f *fakeClient) Connected() bool                 { return true }

func (f *fakeClient) Send(ctx context.Context, recipientID string, media transport.Media, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[recipientID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentCall{recipientID: recipientID, imagePath: media.Path, caption: caption})
	return nil
}

func (f *fakeClient) ResolveName(ctx context.Context, recipientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[recipientID]; ok {
		return name, nil
	}
	return "", errors.New("chat not found")
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc    *Service
	client *fakeClient
	store  storage.Store
	cs     *content.Store
	reg    *recipients.Registry
	hours  *schedule.Hours
	bus    eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "state", "groupcast")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cs, err := content.NewStore(dir)
	if err != nil {
		t.Fatalf("content.NewStore: %v", err)
	}
	reg, err := recipients.NewRegistry(dir)
	if err != nil {
		t.Fatalf("recipients.NewRegistry: %v", err)
	}
	hours, err := schedule.NewHours(dir)
	if err != nil {
		t.Fatalf("schedule.NewHours: %v", err)
	}

	client := &fakeClient{failFor: map[string]error{}, names: map[string]string{}}
	bus := eventbus.New()
	svc := New(Config{Enabled: true, PauseBetween: time.Millisecond},
		st, cs, reg, hours, client, bus, logx.Nop())

	return &fixture{svc: svc, client: client, store: st, cs: cs, reg: reg, hours: hours, bus: bus}
}

func (fx *fixture) seedContent(t *testing.T, days ...time.Weekday) {
	t.Helper()
	img := filepath.Join(t.TempDir(), "img.jpg")
	if err := os.WriteFile(img, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, d := range days {
		name, _ := content.DayName(d)
		if err := fx.cs.SetCaption(d, "caption for "+name); err != nil {
			t.Fatal(err)
		}
		if err := fx.cs.SetImage(d, img); err != nil {
			t.Fatal(err)
		}
	}
}

func (fx *fixture) seedRecipients(t *testing.T, ids ...string) {
	t.Helper()
	var list []recipients.Recipient
	for _, id := range ids {
		list = append(list, recipients.Recipient{ID: id, Name: "stored " + id})
	}
	if err := fx.reg.SetSelected(list); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) seedHours(t *testing.T, hours ...int) {
	t.Helper()
	if _, err := fx.hours.Set(hours); err != nil {
		t.Fatal(err)
	}
}

// at builds an instant on a concrete calendar day. March 2026: the 1st is a
// Sunday, so the 2nd..7th are Monday..Saturday.
func at(day time.Weekday, hour int) time.Time {
	date := 1 + int(day)
	return time.Date(2026, 3, date, hour, 0, 0, 0, time.UTC)
}

func TestEffectiveDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		day  time.Weekday
		hour int
		want time.Weekday
	}{
		{"daytime unchanged", time.Wednesday, 14, time.Wednesday},
		{"hour 2 unchanged", time.Wednesday, 2, time.Wednesday},
		{"hour 0 rolls back", time.Wednesday, 0, time.Tuesday},
		{"hour 1 rolls back", time.Wednesday, 1, time.Tuesday},
		{"monday 0 rolls to sunday", time.Monday, 0, time.Sunday},
		{"sunday 1 wraps to saturday", time.Sunday, 1, time.Saturday},
		{"sunday daytime stays sunday", time.Sunday, 15, time.Sunday},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveDay(tt.day, tt.hour); got != tt.want {
				t.Fatalf("effectiveDay(%v, %d) = %v, want %v", tt.day, tt.hour, got, tt.want)
			}
		})
	}
}

func TestSlotKey(t *testing.T) {
	t.Parallel()
	if got := SlotKey(time.Wednesday, 14); got != "3-14" {
		t.Fatalf("SlotKey = %q, want %q", got, "3-14")
	}
	if got := SlotKey(time.Saturday, 0); got != "6-0" {
		t.Fatalf("SlotKey = %q, want %q", got, "6-0")
	}
}

func TestSundayNeverFires(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, content.SendDays()...)
	fx.seedRecipients(t, "-100")
	all := make([]int, 24)
	for i := range all {
		all[i] = i
	}
	fx.seedHours(t, all...)
	ctx := context.Background()

	// Sunday clock, hours 2..23: effective day is Sunday.
	for hour := 2; hour < 24; hour++ {
		res, err := fx.svc.Evaluate(ctx, at(time.Sunday, hour))
		if err != nil {
			t.Fatalf("Evaluate(sunday %d): %v", hour, err)
		}
		if res.Outcome != OutcomeSunday {
			t.Fatalf("Evaluate(sunday %d) = %v, want %v", hour, res.Outcome, OutcomeSunday)
		}
	}
	// Monday 00/01 rolls back to Sunday.
	for _, hour := range []int{0, 1} {
		res, err := fx.svc.Evaluate(ctx, at(time.Monday, hour))
		if err != nil {
			t.Fatalf("Evaluate(monday %d): %v", hour, err)
		}
		if res.Outcome != OutcomeSunday {
			t.Fatalf("Evaluate(monday %d) = %v, want %v", hour, res.Outcome, OutcomeSunday)
		}
	}
	if n := fx.client.sentCount(); n != 0 {
		t.Fatalf("%d sends happened on Sunday slots", n)
	}
}

func TestDispatchAndDedup(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Wednesday)
	fx.seedRecipients(t, "-100", "-200")
	fx.seedHours(t, 14)
	ctx := context.Background()

	res, err := fx.svc.Evaluate(ctx, at(time.Wednesday, 14))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeDispatched || res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("first Evaluate = %+v", res)
	}
	if res.Key != "3-14" {
		t.Fatalf("Key = %q", res.Key)
	}

	// Same slot again, later the same day.
	res, err = fx.svc.Evaluate(ctx, at(time.Wednesday, 14).Add(10*time.Minute))
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if res.Outcome != OutcomeAlreadyFired {
		t.Fatalf("second Evaluate = %v, want %v", res.Outcome, OutcomeAlreadyFired)
	}
	if n := fx.client.sentCount(); n != 2 {
		t.Fatalf("sent %d messages, want 2", n)
	}
}

func TestEvaluateSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Wednesday)
	fx.seedRecipients(t, "-1", "-2", "-3")
	fx.seedHours(t, 14)

	// A manual trigger hands Evaluate its request context; the caller going
	// away must not abort the batch, lose history or mark an empty slot.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := fx.svc.Evaluate(ctx, at(time.Wednesday, 14))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeDispatched || res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("Evaluate = %+v, want dispatched with sent=3 failed=0", res)
	}
	if n := fx.client.sentCount(); n != 3 {
		t.Fatalf("sent %d messages, want 3", n)
	}

	list, err := fx.store.ListHistory(context.Background())
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("history has %d records, want 3", len(list))
	}
	for i, rec := range list {
		if rec.Status != storage.StatusSuccess {
			t.Fatalf("record %d status = %q, want success", i, rec.Status)
		}
	}

	res, _ = fx.svc.Evaluate(context.Background(), at(time.Wednesday, 14))
	if res.Outcome != OutcomeAlreadyFired {
		t.Fatalf("re-Evaluate = %v, want %v", res.Outcome, OutcomeAlreadyFired)
	}
}

func TestInterruptedBatchRecordsTailAndStaysUnmarked(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Wednesday)
	fx.seedRecipients(t, "-1", "-2", "-3")

	entry, err := fx.cs.Resolve(time.Wednesday)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	targets, err := fx.reg.Selected()
	if err != nil {
		t.Fatalf("Selected: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{Enabled: true, PauseBetween: time.Millisecond}

	sent, failed, complete := fx.svc.dispatch(ctx, cfg, "3-14", entry, targets, time.UTC)
	if complete {
		t.Fatal("dispatch reported a cut-short batch as complete")
	}
	if sent != 0 || failed != 3 {
		t.Fatalf("dispatch = sent %d failed %d, want 0 and 3", sent, failed)
	}
	if n := fx.client.sentCount(); n != 0 {
		t.Fatalf("%d sends after cancellation", n)
	}

	// Every target still gets its record, each carrying the cause.
	list, err := fx.store.ListHistory(context.Background())
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("history has %d records, want 3", len(list))
	}
	for i, rec := range list {
		if rec.Status != storage.StatusFailure || rec.ErrorDetail == "" {
			t.Fatalf("record %d = %+v, want failure with error detail", i, rec)
		}
		if !strings.Contains(rec.Message, "failed") {
			t.Fatalf("record %d message = %q, want a failure summary", i, rec.Message)
		}
	}

	fired, err := fx.store.HasFired(context.Background(), "3-14")
	if err != nil {
		t.Fatalf("HasFired: %v", err)
	}
	if fired {
		t.Fatal("slot marked despite an interrupted batch")
	}
}

func TestMidnightResetAllowsRefire(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Thursday)
	fx.seedRecipients(t, "-100")
	fx.seedHours(t, 9)
	ctx := context.Background()

	res, _ := fx.svc.Evaluate(ctx, at(time.Thursday, 9))
	if res.Outcome != OutcomeDispatched {
		t.Fatalf("first Evaluate = %v", res.Outcome)
	}
	fx.svc.midnight()
	res, _ = fx.svc.Evaluate(ctx, at(time.Thursday, 9))
	if res.Outcome != OutcomeDispatched {
		t.Fatalf("Evaluate after midnight reset = %v, want %v", res.Outcome, OutcomeDispatched)
	}
}

func TestIncompleteContentSkipsWithoutMarking(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedRecipients(t, "-100")
	fx.seedHours(t, 9)
	ctx := context.Background()

	if err := fx.cs.SetCaption(time.Friday, "caption without image"); err != nil {
		t.Fatal(err)
	}
	res, err := fx.svc.Evaluate(ctx, at(time.Friday, 9))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeIncompleteContent {
		t.Fatalf("Evaluate = %v, want %v", res.Outcome, OutcomeIncompleteContent)
	}
	if n := fx.client.sentCount(); n != 0 {
		t.Fatalf("%d sends despite incomplete content", n)
	}

	// Completing the content makes the same slot fire: the skip never marked it.
	fx.seedContent(t, time.Friday)
	res, _ = fx.svc.Evaluate(ctx, at(time.Friday, 9))
	if res.Outcome != OutcomeDispatched {
		t.Fatalf("Evaluate after completing content = %v", res.Outcome)
	}
}

func TestNoRecipientsSkipsWithoutMarking(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Monday)
	fx.seedHours(t, 9)
	ctx := context.Background()

	res, err := fx.svc.Evaluate(ctx, at(time.Monday, 9))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeNoRecipients {
		t.Fatalf("Evaluate = %v, want %v", res.Outcome, OutcomeNoRecipients)
	}

	fx.seedRecipients(t, "-100")
	res, _ = fx.svc.Evaluate(ctx, at(time.Monday, 9))
	if res.Outcome != OutcomeDispatched {
		t.Fatalf("Evaluate after adding recipient = %v", res.Outcome)
	}
}

func TestHourNotConfigured(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Monday)
	fx.seedRecipients(t, "-100")
	fx.seedHours(t, 9)

	res, err := fx.svc.Evaluate(context.Background(), at(time.Monday, 10))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeHourNotConfigured {
		t.Fatalf("Evaluate = %v, want %v", res.Outcome, OutcomeHourNotConfigured)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.svc.Apply(Config{Enabled: false, PauseBetween: time.Millisecond})

	res, err := fx.svc.Evaluate(context.Background(), at(time.Monday, 9))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeDisabled {
		t.Fatalf("Evaluate = %v, want %v", res.Outcome, OutcomeDisabled)
	}
}

func TestFailureIsolationAndHistory(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Tuesday)
	fx.seedRecipients(t, "-1", "-2", "-3")
	fx.seedHours(t, 12)
	fx.client.failFor["-2"] = errors.New("blocked by group")
	fx.client.names["-1"] = "Live Name One"
	ctx := context.Background()

	res, err := fx.svc.Evaluate(ctx, at(time.Tuesday, 12))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Outcome != OutcomeDispatched || res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("Evaluate = %+v, want dispatched with sent=2 failed=1", res)
	}

	// A mid-batch failure still marks the slot after the batch.
	res, _ = fx.svc.Evaluate(ctx, at(time.Tuesday, 12))
	if res.Outcome != OutcomeAlreadyFired {
		t.Fatalf("re-Evaluate = %v, want %v", res.Outcome, OutcomeAlreadyFired)
	}

	list, err := fx.store.ListHistory(ctx)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("history has %d records, want 3", len(list))
	}

	// Most-recent-first: positions come back 3/3, 2/3, 1/3.
	wantPos := []string{"3/3", "2/3", "1/3"}
	for i, rec := range list {
		if rec.Position != wantPos[i] {
			t.Fatalf("record %d position = %q, want %q", i, rec.Position, wantPos[i])
		}
		if rec.ID == "" {
			t.Fatalf("record %d has empty id", i)
		}
		if rec.Message == "" {
			t.Fatalf("record %d has empty message", i)
		}
	}

	byRecipient := map[string]storage.HistoryRecord{}
	for _, rec := range list {
		byRecipient[rec.RecipientID] = rec
	}
	if rec := byRecipient["-2"]; rec.Status != storage.StatusFailure || rec.ErrorDetail == "" {
		t.Fatalf("failed record = %+v, want failure with error detail", rec)
	}
	// The message is a per-outcome summary embedding the transport error.
	if rec := byRecipient["-2"]; !strings.Contains(rec.Message, "blocked by group") {
		t.Fatalf("failure message = %q, want the send error embedded", rec.Message)
	}
	if rec := byRecipient["-1"]; rec.Status != storage.StatusSuccess || rec.RecipientName != "Live Name One" {
		t.Fatalf("record -1 = %+v, want success with transport-resolved name", rec)
	}
	if rec := byRecipient["-1"]; !strings.Contains(rec.Message, "Live Name One") {
		t.Fatalf("success message = %q, want the recipient name embedded", rec.Message)
	}
	// Transport cannot resolve -3; the stored name is the fallback.
	if rec := byRecipient["-3"]; rec.RecipientName != "stored -3" {
		t.Fatalf("record -3 name = %q, want stored fallback", rec.RecipientName)
	}

	// Batch order: timestamps never decrease (oldest is last in the listing).
	for i := 0; i+1 < len(list); i++ {
		if list[i].Timestamp.Before(list[i+1].Timestamp) {
			t.Fatalf("timestamps out of order: %v before %v", list[i].Timestamp, list[i+1].Timestamp)
		}
	}
}

func TestFiredEventPublished(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Monday)
	fx.seedRecipients(t, "-100")
	fx.seedHours(t, 9)

	events, unsub := fx.bus.Subscribe(8)
	defer unsub()

	if res, _ := fx.svc.Evaluate(context.Background(), at(time.Monday, 9)); res.Outcome != OutcomeDispatched {
		t.Fatalf("Evaluate = %v", res.Outcome)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeSlotFired {
			t.Fatalf("event type = %q", e.Type)
		}
		fired, ok := e.Data.(FiredEvent)
		if !ok {
			t.Fatalf("event data = %T", e.Data)
		}
		if fired.Key != "1-9" || fired.Sent != 1 || fired.Failed != 0 {
			t.Fatalf("fired event = %+v", fired)
		}
	case <-time.After(time.Second):
		t.Fatal("no fired event published")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedContent(t, time.Monday)
	fx.seedRecipients(t, "-100")
	fx.seedHours(t, 9, 15)

	snap := fx.svc.Snapshot()
	if !snap.Enabled || snap.Timezone != "UTC" {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if len(snap.Hours) != 2 {
		t.Fatalf("Snapshot.Hours = %v", snap.Hours)
	}

	if res, _ := fx.svc.Evaluate(context.Background(), at(time.Monday, 9)); res.Outcome != OutcomeDispatched {
		t.Fatalf("Evaluate = %v", res.Outcome)
	}
	snap = fx.svc.Snapshot()
	if snap.LastOutcome != OutcomeDispatched || snap.LastFiredKey != "1-9" {
		t.Fatalf("Snapshot after dispatch = %+v", snap)
	}
	if snap.LastRunAt.IsZero() {
		t.Fatal("Snapshot.LastRunAt is zero after a run")
	}
}

func TestLocationOffset(t *testing.T) {
	t.Parallel()
	cfg := Config{UTCOffsetHours: -3}
	loc := cfg.Location()

	// 11:30 UTC is 08:30 at UTC-3; slot evaluation must see hour 8.
	utc := time.Date(2026, 3, 4, 11, 30, 0, 0, time.UTC)
	if got := utc.In(loc).Hour(); got != 8 {
		t.Fatalf("hour in UTC-3 = %d, want 8", got)
	}
}
