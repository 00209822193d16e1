// Package outbox decouples notification side effects from state transitions.
// Engines enqueue intents; a dispatcher delivers them with retries. State
// transitions never block on delivery.
package outbox

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the enqueue-only view the engines hold.
type Queue interface {
	Enqueue(ctx context.Context, subject string, payload map[string]any) error
}

// IntentStatus is the delivery lifecycle of one outbox row.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentDelivered IntentStatus = "delivered"
	IntentDead      IntentStatus = "dead"
)

// Intent is one recorded notification. Payload is serialized at enqueue time
// so later domain mutations cannot leak into a pending message.
type Intent struct {
	ID            string       `json:"id"`
	Subject       string       `json:"subject"`
	Payload       []byte       `json:"payload"`
	Status        IntentStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Publisher delivers one serialized intent. The NATS connection satisfies
// this directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

const (
	maxAttempts  = 5
	baseBackoff  = 10 * time.Second
	drainTimeout = 5 * time.Second
)

// Outbox buffers intents in memory and dispatches them through a Publisher.
// Enqueue never fails on delivery problems; the retry worker owns those.
type Outbox struct {
	mu      sync.Mutex
	pending []*Intent
	dead    []*Intent

	pub    Publisher
	logger *log.Logger
	now    func() time.Time
}

// New creates an outbox over the given publisher. A nil publisher is valid:
// intents accumulate until a dispatcher with a live publisher drains them.
func New(pub Publisher) *Outbox {
	return &Outbox{
		pub:    pub,
		logger: log.New(log.Writer(), "[Outbox] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Enqueue records one intent. The only failure mode is payload serialization.
func (o *Outbox) Enqueue(ctx context.Context, subject string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	intent := &Intent{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   data,
		Status:    IntentPending,
		CreatedAt: o.now(),
	}
	o.mu.Lock()
	o.pending = append(o.pending, intent)
	o.mu.Unlock()
	return nil
}

// DispatchPending attempts delivery of every due intent, requeueing failures
// with exponential backoff. Returns (delivered, failed).
func (o *Outbox) DispatchPending(ctx context.Context) (int, int) {
	o.mu.Lock()
	due := o.pending
	o.pending = nil
	o.mu.Unlock()

	var delivered, failed int
	now := o.now()
	for _, intent := range due {
		if intent.NextAttemptAt.After(now) {
			o.requeue(intent)
			continue
		}
		if o.pub == nil {
			o.requeue(intent)
			failed++
			continue
		}
		if err := o.pub.Publish(intent.Subject, intent.Payload); err != nil {
			intent.Attempts++
			if intent.Attempts >= maxAttempts {
				intent.Status = IntentDead
				o.mu.Lock()
				o.dead = append(o.dead, intent)
				o.mu.Unlock()
				o.logger.Printf("intent %s dead after %d attempts: %v", intent.ID, intent.Attempts, err)
			} else {
				intent.NextAttemptAt = now.Add(baseBackoff << (intent.Attempts - 1))
				o.requeue(intent)
			}
			failed++
			continue
		}
		intent.Status = IntentDelivered
		delivered++
	}
	return delivered, failed
}

func (o *Outbox) requeue(intent *Intent) {
	o.mu.Lock()
	o.pending = append(o.pending, intent)
	o.mu.Unlock()
}

// PendingCount reports undelivered intents, dead letters excluded.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// DeadCount reports intents that exhausted their retry budget.
func (o *Outbox) DeadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dead)
}

// Run dispatches on a fixed interval until the context is cancelled.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.DispatchPending(ctx)
		}
	}
}
