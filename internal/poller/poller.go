// Package poller turns the pull-style message API into an ordered,
// at-least-once stream of new messages.
package poller

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fastmail-tools/internal/jmap"
	"fastmail-tools/internal/logging"
	"fastmail-tools/internal/models"
)

// ErrStopped is returned by Tick after a fatal error has shut the poller
// down. The caller must not keep ticking.
var ErrStopped = errors.New("poller is stopped")

// ErrNotSeeded is returned by Tick on a cursor that was never seeded.
// Without a watermark the fetch has no lower bound and would replay the
// whole mailbox history; Backfill must succeed first.
var ErrNotSeeded = errors.New("cursor not seeded")

// State of the poll loop
type State int

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Fetcher is the slice of the mail client the poller needs.
type Fetcher interface {
	FetchMessagesSince(cursor models.Cursor, limit int) ([]models.Message, error)
	FetchRecent(limit int) ([]models.Message, error)
}

// StateStore persists the cursor between runs. A nil store means the
// cursor lives only in memory.
type StateStore interface {
	Load() (models.Cursor, error)
	Save(cursor models.Cursor) error
}

const (
	defaultFetchLimit = 50
	minBackfillFetch  = 50
)

// Poller tracks a cursor over the mailbox and delivers each new message to
// the sink exactly once per observation. Delivery is at-least-once across
// crashes: the cursor only advances after the whole batch is emitted.
type Poller struct {
	mu      sync.Mutex
	fetcher Fetcher
	sink    Sink
	store   StateStore
	cursor  models.Cursor
	state   State
	limit   int
}

// New creates a poller, restoring the cursor from the store when one is
// given.
func New(fetcher Fetcher, sink Sink, store StateStore, limit int) (*Poller, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	p := &Poller{
		fetcher: fetcher,
		sink:    sink,
		store:   store,
		cursor:  models.NewCursor(),
		state:   StateIdle,
		limit:   limit,
	}
	if store != nil {
		cursor, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("restore cursor: %w", err)
		}
		p.cursor = cursor
	}
	return p, nil
}

// Backfill seeds the cursor from the current mailbox contents and emits
// the n most recent messages, oldest first. It only runs on a zero cursor;
// a restored cursor means the stream already has a position.
func (p *Poller) Backfill(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return 0, ErrStopped
	}
	if !p.cursor.IsZero() {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}

	seedLimit := n
	if seedLimit < minBackfillFetch {
		seedLimit = minBackfillFetch
	}

	fetched, err := p.fetcher.FetchRecent(seedLimit)
	if err != nil {
		return 0, p.fail(err)
	}

	sortByReceived(fetched)

	emit := fetched
	if len(emit) > n {
		emit = emit[len(emit)-n:]
	}
	for _, msg := range emit {
		if err := p.sink.Emit(msg); err != nil {
			return 0, fmt.Errorf("emit backfill message %s: %w", msg.ID, err)
		}
	}

	// Seed the cursor with everything fetched, not just what was emitted,
	// so messages sharing the newest timestamp are never re-delivered.
	p.cursor.Advance(fetched)
	if p.cursor.IsZero() {
		p.cursor.Watermark = time.Now().UTC()
	}
	p.persist()

	logging.Log.WithFields(logrus.Fields{
		"seeded":    len(fetched),
		"emitted":   len(emit),
		"watermark": p.cursor.Watermark,
	}).Info("Backfill complete")
	return len(emit), nil
}

// Tick performs one poll cycle: fetch messages newer than the cursor, emit
// them in arrival order, then advance the cursor. Retryable errors leave
// the cursor untouched so the next tick repeats the same window.
func (p *Poller) Tick() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return ErrStopped
	}
	if p.cursor.IsZero() {
		return ErrNotSeeded
	}

	p.state = StatePolling
	log := logging.Log.WithField("trace_id", uuid.New().String())

	msgs, err := p.fetcher.FetchMessagesSince(p.cursor, p.limit)
	if err != nil {
		return p.fail(err)
	}

	// The client already excludes dedup-window ids; filtering again here
	// keeps the no-duplicate guarantee independent of the fetcher.
	fresh := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if p.cursor.Contains(msg.ID) {
			continue
		}
		fresh = append(fresh, msg)
	}
	sortByReceived(fresh)

	for _, msg := range fresh {
		if err := p.sink.Emit(msg); err != nil {
			p.state = StateIdle
			return fmt.Errorf("emit message %s: %w", msg.ID, err)
		}
	}

	if len(fresh) > 0 {
		p.cursor.Advance(fresh)
		p.persist()
		log.WithFields(logrus.Fields{
			"count":     len(fresh),
			"watermark": p.cursor.Watermark,
		}).Info("Recorded new messages")
	} else {
		log.Debug("No new messages")
	}

	p.state = StateIdle
	return nil
}

// fail classifies an error from the fetcher. Retryable errors return the
// poller to idle; anything else stops it for good.
func (p *Poller) fail(err error) error {
	if jmap.IsRetryable(err) {
		p.state = StateIdle
		return err
	}
	p.state = StateStopped
	logging.Log.WithError(err).Error("Fatal poll error, stopping")
	return err
}

// Stop halts the poller. Subsequent Tick calls return ErrStopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Cursor() models.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor.Clone()
}

func (p *Poller) persist() {
	if p.store == nil {
		return
	}
	if err := p.store.Save(p.cursor); err != nil {
		logging.Log.WithError(err).Warn("Failed to persist cursor, continuing in memory")
	}
}

// sortByReceived orders a batch oldest first, with the id as a stable
// tie-break for identical timestamps.
func sortByReceived(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})
}
