package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

const (
	// Registration
	TypeNodeRegistered        = "node.registered"
	TypeGPUPlaceholderCreated = "gpu.placeholder_created"
	TypeUserShadowCreated     = "user.shadow_created"
	TypeUserDeactivated       = "user.deactivated"

	// Session lifecycle
	TypeSessionStarted     = "session.started"
	TypeSessionRecovered   = "session.recovered"
	TypeReservationUsed    = "reservation.consumed"
	TypeSessionEnded       = "session.ended"
	TypeSessionStaleClosed = "session.stale_closed"

	// Reservations
	TypeReservationCreated   = "reservation.created"
	TypeReservationCancelled = "reservation.cancelled"
	TypeReservationExpired   = "reservation.expired"

	// Ledger
	TypeUsageAdjusted = "usage.adjusted"
)

// Ref names the entities an event is about. Empty fields are stored as NULL.
type Ref struct {
	SessionID string
	UserID    string
	GPUID     string
}

// Emitter is the outbound side the core writes to. Implementations must not block.
type Emitter interface {
	Emit(eventType string, ref Ref, payload any)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, Ref, any) {}

// Pending collects events produced inside a transaction so they are only
// emitted once the transaction commits.
type Pending struct {
	items []pendingEvent
}

type pendingEvent struct {
	eventType string
	ref       Ref
	payload   any
}

func (p *Pending) Add(eventType string, ref Ref, payload any) {
	p.items = append(p.items, pendingEvent{eventType: eventType, ref: ref, payload: payload})
}

// Reset drops everything collected so far; used when a transaction is rerun.
func (p *Pending) Reset() {
	p.items = p.items[:0]
}

func (p *Pending) Flush(e Emitter) {
	for _, it := range p.items {
		e.Emit(it.eventType, it.ref, it.payload)
	}
	p.items = nil
}

type Manager struct {
	store     *store.Store
	clock     quartz.Clock
	logger    slog.Logger
	in        chan models.Event
	done      chan struct{}
	wg        sync.WaitGroup
	batchSize int

	subMu sync.Mutex
	subs  []chan models.Event
}

func New(st *store.Store, clock quartz.Clock, logger slog.Logger) *Manager {
	em := &Manager{
		store:     st,
		clock:     clock,
		logger:    logger.Named("events"),
		in:        make(chan models.Event, 1000),
		done:      make(chan struct{}),
		batchSize: 100,
	}

	em.wg.Add(1)
	go em.loop()
	return em
}

// Close flushes buffered events and closes subscriber channels.
func (em *Manager) Close() {
	close(em.done)
	em.wg.Wait()

	em.subMu.Lock()
	defer em.subMu.Unlock()
	for _, ch := range em.subs {
		close(ch)
	}
	em.subs = nil
}

// Subscribe returns a channel receiving every persisted event. Slow subscribers
// miss events rather than stall the writer.
func (em *Manager) Subscribe(buffer int) <-chan models.Event {
	ch := make(chan models.Event, buffer)
	em.subMu.Lock()
	em.subs = append(em.subs, ch)
	em.subMu.Unlock()
	return ch
}

func (em *Manager) Emit(eventType string, ref Ref, payload any) {
	var payloadJSON *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			s := string(b)
			payloadJSON = &s
		}
	}

	select {
	case em.in <- models.Event{
		At:          em.clock.Now(),
		Type:        eventType,
		SessionID:   optional(ref.SessionID),
		UserID:      optional(ref.UserID),
		GPUID:       optional(ref.GPUID),
		PayloadJSON: payloadJSON,
	}:
	default:
		em.logger.Warn(context.Background(), "dropped event, buffer full", slog.F("type", eventType))
	}
}

func (em *Manager) loop() {
	defer em.wg.Done()

	ticker := em.clock.NewTicker(time.Second, "events", "flush")
	defer ticker.Stop()

	batch := make([]models.Event, 0, em.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := em.store.InsertEvents(ctx, batch); err != nil {
			em.logger.Error(ctx, "write event batch", slog.F("size", len(batch)), slog.Error(err))
		}
		em.publish(batch)
		batch = make([]models.Event, 0, em.batchSize)
	}

	for {
		select {
		case evt := <-em.in:
			batch = append(batch, evt)
			if len(batch) >= em.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-em.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case evt := <-em.in:
					batch = append(batch, evt)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (em *Manager) publish(batch []models.Event) {
	em.subMu.Lock()
	defer em.subMu.Unlock()
	for _, ch := range em.subs {
		for _, e := range batch {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
