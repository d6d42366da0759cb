// Package dispatch turns a consensus winner into a ledger transaction and fans the
// outcome out to the display, the message bus, the barriers and the audit trail.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/gate"
)

type Ledger interface {
	RecordEntry(ctx context.Context, plate string) parking.Outcome
	RecordExit(ctx context.Context, plate string) parking.Outcome
}

// Auditor stores every outcome. Failures are logged and otherwise ignored.
type Auditor interface {
	RecordAccessEvent(ctx context.Context, out parking.Outcome) error
}

type Display interface {
	Show(lane parking.Lane, message string) error
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

const (
	BarrierOpen  = "OPEN"
	BarrierClose = "CLOSE"
)

type Options struct {
	RootTopic         string
	BarrierCloseDelay time.Duration
	QueueSize         int
}

type Decision struct {
	Plate   string              `json:"plate"`
	Outcome parking.OutcomeKind `json:"outcome"`
	Message string              `json:"message"`
	At      time.Time           `json:"at"`
}

type notification struct {
	outcome *parking.Outcome
	// barrier commands carry no outcome
	barrierTopic string
	command      string
}

type Dispatcher struct {
	ledger    Ledger
	auditor   Auditor
	gates     map[parking.Lane]*gate.Gate
	display   Display
	publisher Publisher
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	queue   chan notification
	done    chan struct{}
	dropped atomic.Uint64

	mu           sync.Mutex
	closed       bool
	closeTimer   *time.Timer
	closePending bool
	closeGen     uint64
}

// New starts the notification worker. gates maps a lane to its authorization gate; a lane
// without a gate is not gated.
func New(ledger Ledger, auditor Auditor, gates map[parking.Lane]*gate.Gate, display Display, publisher Publisher, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RootTopic == "" {
		opts.RootTopic = "parking"
	}

	d := &Dispatcher{
		ledger:    ledger,
		auditor:   auditor,
		gates:     gates,
		display:   display,
		publisher: publisher,
		opts:      opts,
		log:       log.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
		queue:     make(chan notification, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go d.worker()
	return d
}

func DecisionTopic(root string, lane parking.Lane) string {
	return fmt.Sprintf("%s/lane/%s/decision", root, lane.Slug())
}

func BarrierTopic(root string, lane parking.Lane) string {
	idx := 0
	if lane == parking.LaneExit {
		idx = 1
	}
	return fmt.Sprintf("%s/barrier_%d/state", root, idx)
}

// OnWinner runs the ledger transaction for a consensus winner and queues its notifications.
// The ledger call is not cancelled by ctx so an in-flight transaction always completes.
func (d *Dispatcher) OnWinner(ctx context.Context, lane parking.Lane, plate string) parking.Outcome {
	var out parking.Outcome

	if g := d.gates[lane]; g != nil && !g.IsActive() {
		out = parking.Outcome{Kind: parking.OutcomeUnauthorized, Lane: lane, Plate: plate, At: d.now()}
	} else {
		writeCtx := context.WithoutCancel(ctx)
		switch lane {
		case parking.LaneEntry:
			out = d.ledger.RecordEntry(writeCtx, plate)
		case parking.LaneExit:
			out = d.ledger.RecordExit(writeCtx, plate)
		default:
			out = parking.Outcome{
				Kind:  parking.OutcomeFailed,
				Lane:  lane,
				Plate: plate,
				At:    d.now(),
				Err:   fmt.Errorf("unknown lane %q", lane),
			}
		}
	}

	d.log.Info().
		Str("lane", string(lane)).
		Str("plate", plate).
		Str("outcome", out.Kind.String()).
		Msg("winner dispatched")

	o := out
	d.enqueue(notification{outcome: &o})
	return out
}

// Dropped is the number of notifications discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) enqueue(n notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.log.Warn().Int("queue_size", cap(d.queue)).Msg("notification queue full, dropping")
	}
}

// Close drains the queue, stops the worker and then closes the exit barrier if a
// close is still pending.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	if d.closeTimer != nil {
		d.closeTimer.Stop()
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	// The worker is gone and the timer can no longer enqueue, so publish inline.
	d.mu.Lock()
	pending := d.closePending
	d.closePending = false
	d.mu.Unlock()
	if pending {
		d.publish(BarrierTopic(d.opts.RootTopic, parking.LaneExit), []byte(BarrierClose))
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for n := range d.queue {
		d.handle(n)
	}
}

func (d *Dispatcher) handle(n notification) {
	if n.outcome == nil {
		d.publish(n.barrierTopic, []byte(n.command))
		return
	}

	out := *n.outcome
	msg := out.Message()

	if d.display != nil {
		if err := d.display.Show(out.Lane, msg); err != nil {
			d.log.Warn().Err(err).Str("lane", string(out.Lane)).Msg("failed to update display")
		}
	}

	payload, err := json.Marshal(Decision{Plate: out.Plate, Outcome: out.Kind, Message: msg, At: out.At})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to encode decision")
	} else {
		d.publish(DecisionTopic(d.opts.RootTopic, out.Lane), payload)
	}

	d.driveBarrier(out)

	if d.auditor != nil {
		if err := d.auditor.RecordAccessEvent(context.Background(), out); err != nil {
			d.log.Warn().Err(err).Str("plate", out.Plate).Msg("failed to record access event")
		}
	}
}

// driveBarrier opens the entry barrier on a new entry, and the exit barrier on any
// committed exit decision followed by a delayed close.
func (d *Dispatcher) driveBarrier(out parking.Outcome) {
	switch {
	case out.Lane == parking.LaneEntry && out.Kind == parking.OutcomeEntryRecorded:
		d.publish(BarrierTopic(d.opts.RootTopic, parking.LaneEntry), []byte(BarrierOpen))
	case out.Lane == parking.LaneExit && out.Committed():
		topic := BarrierTopic(d.opts.RootTopic, parking.LaneExit)
		d.publish(topic, []byte(BarrierOpen))
		if d.opts.BarrierCloseDelay > 0 && !d.scheduleClose(topic) {
			// shutting down: nothing will fire the timer
			d.publish(topic, []byte(BarrierClose))
		}
	}
}

func (d *Dispatcher) scheduleClose(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if d.closeTimer != nil {
		d.closeTimer.Stop()
	}
	d.closePending = true
	d.closeGen++
	gen := d.closeGen
	d.closeTimer = time.AfterFunc(d.opts.BarrierCloseDelay, func() { d.fireClose(topic, gen) })
	return true
}

// fireClose hands the pending barrier close to the worker. A timer superseded by a
// later exit does nothing. When the dispatcher is closing, Close publishes the close
// instead, and when the queue is full it is published from the timer goroutine.
func (d *Dispatcher) fireClose(topic string, gen uint64) {
	d.mu.Lock()
	if d.closed || !d.closePending || gen != d.closeGen {
		d.mu.Unlock()
		return
	}
	d.closePending = false
	select {
	case d.queue <- notification{barrierTopic: topic, command: BarrierClose}:
		d.mu.Unlock()
		return
	default:
	}
	d.mu.Unlock()

	d.log.Warn().Str("topic", topic).Msg("notification queue full, closing barrier directly")
	d.publish(topic, []byte(BarrierClose))
}

func (d *Dispatcher) publish(topic string, payload []byte) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(topic, payload); err != nil {
		d.log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
	}
}
