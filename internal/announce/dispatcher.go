package announce

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"
)

// TokenCalled is the announcement emitted when staff calls a token.
// Display boards and speaker systems consume it; they never read the
// token store directly.
type TokenCalled struct {
	TokenID       string    `json:"token_id"`
	TokenNumber   int64     `json:"token_number"`
	DisplayNumber string    `json:"display_number"`
	PatientName   string    `json:"patient_name"`
	DoctorName    string    `json:"doctor_name"`
	CalledAt      time.Time `json:"called_at"`
}

type calledPayload struct {
	TokenID     string     `json:"token_id"`
	TokenNumber int64      `json:"token_number"`
	PatientName string     `json:"patient_name"`
	DoctorName  string     `json:"doctor_name"`
	CalledAt    *time.Time `json:"called_at"`
}

// Dispatcher drains the outbox and fans token.called events out to
// subscribers. Reading from the outbox rather than the request path keeps
// the announcement tied to the committed transition: an event exists iff
// the call was applied, and a replayed request produces no second event.
type Dispatcher struct {
	store    store.TokenStore
	interval time.Duration
	batch    int
	logger   *log.Logger

	mu       sync.Mutex
	lastSeen time.Time
	subs     map[int]chan TokenCalled
	nextSub  int
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	Logger    *log.Logger
}

func NewDispatcher(tokens store.TokenStore, options Options) *Dispatcher {
	interval := options.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := options.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		store:    tokens,
		interval: interval,
		batch:    batch,
		logger:   logger,
		subs:     make(map[int]chan TokenCalled),
	}
}

// Subscribe registers a consumer. The returned cancel func must be called
// when done. Slow consumers drop announcements rather than stall the
// dispatcher; the display re-syncs from the public view anyway.
func (d *Dispatcher) Subscribe(buffer int) (<-chan TokenCalled, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan TokenCalled, buffer)

	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Dispatch(ctx); err != nil {
				d.logger.Printf("level=error msg=\"dispatch outbox\" error=%q", err)
			}
		}
	}
}

// Dispatch processes one batch of outbox events. Exported so tests and the
// ticker loop share the same path.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	d.mu.Lock()
	after := d.lastSeen
	d.mu.Unlock()

	events, err := d.store.ListOutboxEvents(ctx, after, d.batch)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Type == store.EventTokenCalled {
			d.publish(event.Payload)
		}
		d.mu.Lock()
		if event.CreatedAt.After(d.lastSeen) {
			d.lastSeen = event.CreatedAt
		}
		d.mu.Unlock()
	}
	return nil
}

func (d *Dispatcher) publish(payload json.RawMessage) {
	var decoded calledPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		d.logger.Printf("level=error msg=\"decode token.called payload\" error=%q", err)
		return
	}
	announcement := TokenCalled{
		TokenID:       decoded.TokenID,
		TokenNumber:   decoded.TokenNumber,
		DisplayNumber: models.FormatTokenNumber(decoded.TokenNumber),
		PatientName:   decoded.PatientName,
		DoctorName:    decoded.DoctorName,
	}
	if decoded.CalledAt != nil {
		announcement.CalledAt = *decoded.CalledAt
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- announcement:
		default:
		}
	}
}
