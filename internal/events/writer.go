package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	TypeLedgerInit         = "ledger.init"
	TypeTopUp              = "top_up"
	TypePaymentAdded       = "payment.added"
	TypePaymentProcessed   = "payment.processed"
	TypeHandlerAdded       = "access.handler_added"
	TypeHandlerRemoved     = "access.handler_removed"
	TypeProcessorAdded     = "access.processor_added"
	TypeProcessorRemoved   = "access.processor_removed"
	TypeFactoryDeploy      = "factory.deploy"
	TypeFactoryTemplateSet = "factory.template_set"
)

type EventPayload map[string]any

// Sink is the append-only event log written by ledger operations. Events are
// appended inside the operation's transaction.
type Sink interface {
	Append(ctx context.Context, tx *sql.Tx, evtType, ledgerID, entityKind, entityID, actorID string, payload EventPayload) error
}

// Writer stores events in the events table.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, ledgerID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,ledger_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(ledgerID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Type       string
	LedgerID   string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// committer is implemented by sinks that track transaction outcomes.
type committer interface {
	Committed(tx *sql.Tx)
}

// Commit commits tx and marks the events appended inside it as durable on
// sinks that care.
func Commit(tx *sql.Tx, sink Sink) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	if c, ok := sink.(committer); ok {
		c.Committed(tx)
	}
	return nil
}

// Recorder keeps appended events in memory. Events appended inside a
// transaction stay pending until the transaction is committed through Commit;
// a rolled back transaction never shows up. Appends without a transaction are
// recorded at once.
type Recorder struct {
	mu      sync.Mutex
	events  []Recorded
	pending map[*sql.Tx][]Recorded
}

func (r *Recorder) Append(_ context.Context, tx *sql.Tx, evtType, ledgerID, entityKind, entityID, actorID string, payload EventPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := Recorded{
		Type:       evtType,
		LedgerID:   ledgerID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	if tx == nil {
		r.events = append(r.events, evt)
		return nil
	}
	if r.pending == nil {
		r.pending = make(map[*sql.Tx][]Recorded)
	}
	r.pending[tx] = append(r.pending[tx], evt)
	return nil
}

// Committed publishes the events appended inside tx.
func (r *Recorder) Committed(tx *sql.Tx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, r.pending[tx]...)
	delete(r.pending, tx)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(evtType string) []Recorded {
	var out []Recorded
	for _, evt := range r.Events() {
		if evt.Type == evtType {
			out = append(out, evt)
		}
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
