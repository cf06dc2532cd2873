package poller

import (
	"errors"
	"strings"
	"testing"
	"time"

	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/models"
)

type mockFetcher struct {
	recent      []models.Message
	recentErr   error
	sinceBatch  []models.Message
	sinceErr    error
	sinceCalls  int
	recentCalls int
	lastCursor  models.Cursor
	lastLimit   int
}

func (m *mockFetcher) FetchMessagesSince(cursor models.Cursor, limit int) ([]models.Message, error) {
	m.sinceCalls++
	m.lastCursor = cursor.Clone()
	m.lastLimit = limit
	if m.sinceErr != nil {
		return nil, m.sinceErr
	}
	var fresh []models.Message
	for _, msg := range m.sinceBatch {
		if msg.ReceivedAt.Before(cursor.Watermark) || cursor.Contains(msg.ID) {
			continue
		}
		fresh = append(fresh, msg)
	}
	return fresh, nil
}

func (m *mockFetcher) FetchRecent(limit int) ([]models.Message, error) {
	m.recentCalls++
	m.lastLimit = limit
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	if len(m.recent) > limit {
		return m.recent[:limit], nil
	}
	return m.recent, nil
}

type mockSink struct {
	emitted []models.Message
	err     error
}

func (m *mockSink) Emit(msg models.Message) error {
	if m.err != nil {
		return m.err
	}
	m.emitted = append(m.emitted, msg)
	return nil
}

type mockStore struct {
	saved    []models.Cursor
	loaded   models.Cursor
	loadErr  error
	saveErr  error
	hasState bool
}

func (m *mockStore) Load() (models.Cursor, error) {
	if m.loadErr != nil {
		return models.NewCursor(), m.loadErr
	}
	if !m.hasState {
		return models.NewCursor(), nil
	}
	return m.loaded.Clone(), nil
}

func (m *mockStore) Save(cursor models.Cursor) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, cursor.Clone())
	return nil
}

func msg(id string, at time.Time) models.Message {
	return models.Message{
		ID:         id,
		ReceivedAt: at,
		Sender:     "sender@example.com",
		Subject:    "Subject " + id,
		FolderID:   "mb1",
		Size:       2048,
	}
}

// seededAt builds a store whose restored cursor has a watermark, so tick
// tests start from a seeded position.
func seededAt(at time.Time) *mockStore {
	c := models.NewCursor()
	c.Watermark = at
	return &mockStore{hasState: true, loaded: c}
}

func TestBackfillEmitsNewestOldestFirst(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{recent: []models.Message{
		msg("m7", base.Add(7*time.Minute)),
		msg("m6", base.Add(6*time.Minute)),
		msg("m5", base.Add(5*time.Minute)),
		msg("m4", base.Add(4*time.Minute)),
		msg("m3", base.Add(3*time.Minute)),
		msg("m2", base.Add(2*time.Minute)),
		msg("m1", base.Add(time.Minute)),
	}}
	sink := &mockSink{}
	store := &mockStore{}

	p, err := New(fetcher, sink, store, 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	emitted, err := p.Backfill(5)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if emitted != 5 {
		t.Fatalf("Expected 5 emitted, got %d", emitted)
	}

	wantOrder := []string{"m3", "m4", "m5", "m6", "m7"}
	for i, want := range wantOrder {
		if sink.emitted[i].ID != want {
			t.Errorf("emitted[%d] = %s, want %s", i, sink.emitted[i].ID, want)
		}
	}

	cursor := p.Cursor()
	if !cursor.Watermark.Equal(base.Add(7 * time.Minute)) {
		t.Errorf("Expected watermark at newest message, got %v", cursor.Watermark)
	}
	if !cursor.Contains("m7") {
		t.Error("Expected the newest id in the dedup window")
	}
	if cursor.Contains("m1") {
		t.Error("Expected ids below the watermark pruned from the window")
	}
	if len(store.saved) != 1 {
		t.Errorf("Expected cursor persisted once, got %d saves", len(store.saved))
	}
}

func TestBackfillEmptyMailboxSetsWatermark(t *testing.T) {
	p, err := New(&mockFetcher{}, &mockSink{}, nil, 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	before := time.Now()
	emitted, err := p.Backfill(5)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if emitted != 0 {
		t.Errorf("Expected 0 emitted, got %d", emitted)
	}

	cursor := p.Cursor()
	if cursor.Watermark.Before(before) {
		t.Errorf("Expected watermark at roughly now, got %v", cursor.Watermark)
	}
}

func TestBackfillSkippedWhenCursorRestored(t *testing.T) {
	restored := models.NewCursor()
	restored.Watermark = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{recent: []models.Message{msg("m1", restored.Watermark)}}

	p, err := New(fetcher, &mockSink{}, &mockStore{hasState: true, loaded: restored}, 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	emitted, err := p.Backfill(5)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if emitted != 0 || fetcher.recentCalls != 0 {
		t.Errorf("Expected backfill to be a no-op on a restored cursor, emitted=%d calls=%d",
			emitted, fetcher.recentCalls)
	}
}

func TestTickEmitsInArrivalOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{sinceBatch: []models.Message{
		msg("m3", base.Add(3*time.Minute)),
		msg("m1", base.Add(time.Minute)),
		msg("m2", base.Add(2*time.Minute)),
	}}
	sink := &mockSink{}

	p, err := New(fetcher, sink, seededAt(base), 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	wantOrder := []string{"m1", "m2", "m3"}
	if len(sink.emitted) != 3 {
		t.Fatalf("Expected 3 emitted, got %d", len(sink.emitted))
	}
	for i, want := range wantOrder {
		if sink.emitted[i].ID != want {
			t.Errorf("emitted[%d] = %s, want %s", i, sink.emitted[i].ID, want)
		}
	}
	if got := p.Cursor().Watermark; !got.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("Expected watermark advanced to newest, got %v", got)
	}
}

func TestTickTieBreaksOnID(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{sinceBatch: []models.Message{
		msg("mB", at),
		msg("mA", at),
	}}
	sink := &mockSink{}

	p, _ := New(fetcher, sink, seededAt(at), 0)
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if sink.emitted[0].ID != "mA" || sink.emitted[1].ID != "mB" {
		t.Errorf("Expected deterministic id order for equal timestamps, got %s, %s",
			sink.emitted[0].ID, sink.emitted[1].ID)
	}
}

func TestTickRetryableErrorKeepsCursor(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{
		sinceErr: &jmap.RateLimitedError{RetryAfter: time.Second},
	}
	sink := &mockSink{}

	p, _ := New(fetcher, sink, seededAt(base), 0)
	before := p.Cursor()

	err := p.Tick()
	if err == nil {
		t.Fatal("Expected error from throttled tick")
	}
	if p.State() != StateIdle {
		t.Errorf("Expected idle state after retryable error, got %v", p.State())
	}
	if !p.Cursor().Equal(before) {
		t.Error("Expected cursor unchanged after retryable error")
	}

	// The next tick succeeds and delivers without duplicates.
	fetcher.sinceErr = nil
	fetcher.sinceBatch = []models.Message{msg("m1", base)}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() after recovery error: %v", err)
	}
	if len(sink.emitted) != 1 || sink.emitted[0].ID != "m1" {
		t.Errorf("Expected single delivery after recovery, got %v", sink.emitted)
	}
}

func TestTickFatalErrorStopsPoller(t *testing.T) {
	fetcher := &mockFetcher{
		sinceErr: &jmap.ProtocolError{Status: 401, Detail: "invalid token"},
	}

	p, _ := New(fetcher, &mockSink{}, seededAt(time.Now()), 0)
	if err := p.Tick(); err == nil {
		t.Fatal("Expected error from fatal tick")
	}
	if p.State() != StateStopped {
		t.Errorf("Expected stopped state, got %v", p.State())
	}

	if err := p.Tick(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped from a stopped poller, got %v", err)
	}
}

func TestTickDeduplicatesOverlap(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{sinceBatch: []models.Message{
		msg("m1", base),
		msg("m2", base.Add(time.Minute)),
	}}
	sink := &mockSink{}

	p, _ := New(fetcher, sink, seededAt(base), 0)
	if err := p.Tick(); err != nil {
		t.Fatalf("First tick error: %v", err)
	}

	// Same window plus one new arrival at the watermark instant.
	fetcher.sinceBatch = append(fetcher.sinceBatch, msg("m3", base.Add(time.Minute)))
	if err := p.Tick(); err != nil {
		t.Fatalf("Second tick error: %v", err)
	}

	var ids []string
	for _, m := range sink.emitted {
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "m1,m2,m3" {
		t.Errorf("Expected each message exactly once, got %s", got)
	}
}

func TestTickEmitFailureLeavesCursor(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{sinceBatch: []models.Message{msg("m1", base)}}
	sink := &mockSink{err: errors.New("disk full")}

	p, _ := New(fetcher, sink, seededAt(base), 0)
	if err := p.Tick(); err == nil {
		t.Fatal("Expected emit failure to surface")
	}
	if p.State() != StateIdle {
		t.Errorf("Expected idle after emit failure, got %v", p.State())
	}

	// Recovery re-delivers the same message: at-least-once, never lost.
	sink.err = nil
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() after sink recovery error: %v", err)
	}
	if len(sink.emitted) != 1 || sink.emitted[0].ID != "m1" {
		t.Errorf("Expected redelivery of m1, got %v", sink.emitted)
	}
}

func TestCursorMonotonic(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{sinceBatch: []models.Message{
		msg("m2", base.Add(2*time.Minute)),
	}}

	p, _ := New(fetcher, &mockSink{}, seededAt(base), 0)
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	high := p.Cursor().Watermark

	// An older straggler must not move the watermark backwards.
	fetcher.sinceBatch = []models.Message{msg("m1", base)}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if got := p.Cursor().Watermark; !got.Equal(high) {
		t.Errorf("Expected watermark to stay at %v, got %v", high, got)
	}
}

func TestTickRefusesUnseededCursor(t *testing.T) {
	fetcher := &mockFetcher{sinceBatch: []models.Message{
		msg("m1", time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)),
	}}
	sink := &mockSink{}

	p, err := New(fetcher, sink, nil, 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := p.Tick(); !errors.Is(err, ErrNotSeeded) {
		t.Fatalf("Expected ErrNotSeeded on a zero cursor, got %v", err)
	}
	if fetcher.sinceCalls != 0 {
		t.Errorf("Expected no fetch on a zero cursor, got %d calls", fetcher.sinceCalls)
	}
	if len(sink.emitted) != 0 {
		t.Errorf("Expected nothing emitted, got %v", sink.emitted)
	}
}

func TestFailedBackfillDoesNotReplayHistory(t *testing.T) {
	// Years-old mail that an unbounded fetch would return.
	fetcher := &mockFetcher{
		recentErr: &jmap.TransportError{Op: "query", Err: errors.New("timeout")},
		sinceBatch: []models.Message{
			msg("old1", time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)),
			msg("old2", time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)),
		},
	}
	sink := &mockSink{}

	p, _ := New(fetcher, sink, nil, 0)
	if _, err := p.Backfill(5); err == nil {
		t.Fatal("Expected backfill to fail")
	}
	if p.State() != StateIdle {
		t.Fatalf("Expected idle after retryable backfill failure, got %v", p.State())
	}

	if err := p.Tick(); !errors.Is(err, ErrNotSeeded) {
		t.Fatalf("Expected ErrNotSeeded after failed seed, got %v", err)
	}
	if len(sink.emitted) != 0 {
		t.Errorf("Expected no historical mail emitted, got %d messages", len(sink.emitted))
	}

	// Once the seed lands, ticking resumes normally.
	fetcher.recentErr = nil
	if _, err := p.Backfill(5); err != nil {
		t.Fatalf("Backfill() after recovery error: %v", err)
	}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() after seed error: %v", err)
	}
}

// sloppyFetcher returns its batch verbatim, without the dedup-window
// exclusion the real client performs.
type sloppyFetcher struct {
	batch []models.Message
}

func (f *sloppyFetcher) FetchMessagesSince(models.Cursor, int) ([]models.Message, error) {
	return f.batch, nil
}

func (f *sloppyFetcher) FetchRecent(int) ([]models.Message, error) {
	return f.batch, nil
}

func TestTickFiltersSeenIDsItself(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	restored := models.NewCursor()
	restored.Watermark = at
	restored.Seen["m1"] = at

	fetcher := &sloppyFetcher{batch: []models.Message{
		msg("m1", at),
		msg("m2", at),
	}}
	sink := &mockSink{}

	p, err := New(fetcher, sink, &mockStore{hasState: true, loaded: restored}, 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if len(sink.emitted) != 1 || sink.emitted[0].ID != "m2" {
		t.Errorf("Expected only the unseen message, got %v", sink.emitted)
	}
}

func TestFileSinkFormat(t *testing.T) {
	var buf strings.Builder
	sink := NewFileSink(&buf, map[string]string{"mb1": "Inbox"})

	at := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	if err := sink.Emit(msg("m1", at)); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if err := sink.Emit(models.Message{ID: "m2", ReceivedAt: at, FolderID: "mb9", Size: 512}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "From sender@example.com  <") {
		t.Errorf("Unexpected record start: %q", out)
	}
	if !strings.Contains(out, " Subject: Subject m1\n") {
		t.Errorf("Expected subject line, got %q", out)
	}
	if !strings.Contains(out, "  Folder: Inbox\t2048\n") {
		t.Errorf("Expected resolved folder name and size, got %q", out)
	}
	if !strings.Contains(out, "From unknown  <") {
		t.Errorf("Expected 'unknown' sender fallback, got %q", out)
	}
	if !strings.Contains(out, " Subject: (no subject)\n") {
		t.Errorf("Expected subject placeholder, got %q", out)
	}
	if !strings.Contains(out, "  Folder: mb9\t512\n") {
		t.Errorf("Expected raw id fallback for unknown mailbox, got %q", out)
	}
}
