// Package lane runs the recognition cycle of one lane: read the latest frame, recognize,
// vote, dispatch winners and keep the lane's display state.
package lane

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/capture"
	"parking-anpr/internal/consensus"
	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/gate"
	"parking-anpr/internal/recognition"
)

const (
	MessageIdle            = "..."
	MessageWaitingForBadge = "Waiting for badge"
	MessageScanning        = "Scanning..."
)

type FrameSource interface {
	ReadLatest() (parking.Frame, bool)
}

type Recognizer interface {
	Recognize(ctx context.Context, frame parking.Frame) recognition.Detection
}

type Dispatcher interface {
	OnWinner(ctx context.Context, lane parking.Lane, plate string) parking.Outcome
}

type Options struct {
	// Interval is the recognition period; frames arriving faster are skipped
	Interval time.Duration
}

// Status is a point-in-time copy of the lane for the dashboard.
type Status struct {
	Lane         parking.Lane         `json:"lane"`
	Display      parking.DisplayState `json:"display"`
	Voter        string               `json:"voter_state"`
	Buffered     int                  `json:"buffered"`
	Samples      int                  `json:"samples"`
	Committed    string               `json:"committed_plate,omitempty"`
	GateRequired bool                 `json:"gate_required"`
	GateActive   bool                 `json:"gate_active"`
	LastOutcome  *parking.Outcome     `json:"last_outcome,omitempty"`
	Capture      *capture.Stats       `json:"capture,omitempty"`
	Cycles       uint64               `json:"cycles"`
	Panics       uint64               `json:"panics"`
}

type Lane struct {
	kind       parking.Lane
	source     FrameSource
	recognizer Recognizer
	voter      *consensus.Voter
	dispatcher Dispatcher
	gate       *gate.Gate
	opts       Options
	log        zerolog.Logger
	now        func() time.Time

	lastSeq uint64

	mu        sync.RWMutex
	status    Status
	observers []func(parking.Lane, parking.DisplayState)
}

// New builds a lane. g may be nil for a lane that never needs a badge.
func New(kind parking.Lane, source FrameSource, recognizer Recognizer, voter *consensus.Voter, dispatcher Dispatcher, g *gate.Gate, opts Options, log zerolog.Logger) *Lane {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}

	l := &Lane{
		kind:       kind,
		source:     source,
		recognizer: recognizer,
		voter:      voter,
		dispatcher: dispatcher,
		gate:       g,
		opts:       opts,
		log:        log.With().Str("component", "lane").Str("lane", string(kind)).Logger(),
		now:        time.Now,
	}
	l.status = Status{
		Lane:    kind,
		Display: parking.DisplayState{Message: l.idleMessage(), Highlight: parking.HighlightIdle},
		Voter:   voter.State().String(),
		Samples: voter.Samples(),
	}
	return l
}

func (l *Lane) Kind() parking.Lane { return l.kind }

// OnDisplayChange registers fn to be called after every display update. Register before Run.
func (l *Lane) OnDisplayChange(fn func(parking.Lane, parking.DisplayState)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

func (l *Lane) Run(ctx context.Context) {
	l.log.Info().Dur("interval", l.opts.Interval).Msg("recognition started")
	defer l.log.Info().Msg("recognition stopped")

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeStep(ctx)
		}
	}
}

func (l *Lane) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.status.Panics++
			l.mu.Unlock()
			l.log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("recognition cycle panicked")
		}
	}()
	l.Step(ctx)
}

// Step runs one recognition cycle.
func (l *Lane) Step(ctx context.Context) {
	now := l.now()
	l.mu.Lock()
	l.status.Cycles++
	l.mu.Unlock()

	frame, ok := l.source.ReadLatest()
	if !ok || frame.Seq == l.lastSeq {
		l.expire(now)
		return
	}
	l.lastSeq = frame.Seq

	det := l.recognizer.Recognize(ctx, frame)
	if det.Region == nil {
		l.expire(now)
		l.update(func(d *parking.DisplayState) { d.Box = nil })
		return
	}

	l.voter.Touch(now)

	if det.Candidate == nil {
		box := *det.Region
		l.update(func(d *parking.DisplayState) {
			d.Box = &box
			if d.Highlight == parking.HighlightIdle {
				d.Message = MessageScanning
				d.Highlight = parking.HighlightScanning
			}
		})
		return
	}

	l.observe(ctx, *det.Candidate, *det.Region)
}

func (l *Lane) observe(ctx context.Context, c parking.CandidatePlate, box parking.BoundingBox) {
	verdict := l.voter.Observe(c)

	switch verdict.Kind {
	case consensus.Pending:
		if c.Plate == l.voter.Committed() {
			l.update(func(d *parking.DisplayState) { d.Box = &box })
			return
		}
		l.update(func(d *parking.DisplayState) {
			d.Plate = c.Plate
			d.Message = fmt.Sprintf("Analysing %d/%d...", verdict.Buffered, l.voter.Samples())
			d.Highlight = parking.HighlightScanning
			d.Box = &box
		})

	case consensus.Suppressed:
		l.log.Debug().Str("plate", verdict.Plate).Msg("winner already handled")
		l.update(func(d *parking.DisplayState) { d.Box = &box })

	case consensus.Winner:
		l.log.Info().Str("plate", verdict.Plate).Int("votes", verdict.Votes).Msg("consensus reached")

		out := l.dispatcher.OnWinner(ctx, l.kind, verdict.Plate)
		if out.Committed() {
			l.voter.Commit(verdict.Plate)
		}

		l.mu.Lock()
		l.status.LastOutcome = &out
		l.mu.Unlock()

		l.update(func(d *parking.DisplayState) {
			d.Plate = verdict.Plate
			d.Message = out.Message()
			d.Highlight = highlightFor(out)
			d.Box = &box
		})
	}
}

func highlightFor(out parking.Outcome) parking.Highlight {
	switch out.Kind {
	case parking.OutcomeEntryRecorded, parking.OutcomeExitRecorded:
		return parking.HighlightAccepted
	}
	return parking.HighlightRejected
}

func (l *Lane) expire(now time.Time) {
	active := l.voter.State() != consensus.StateIdle || l.voter.Committed() != ""
	l.voter.Expire(now)
	if active && l.voter.State() == consensus.StateIdle {
		l.log.Debug().Msg("lane inactive, consensus reset")
		l.update(func(d *parking.DisplayState) {
			*d = parking.DisplayState{Message: l.idleMessage(), Highlight: parking.HighlightIdle}
		})
		return
	}

	l.mu.RLock()
	idle := l.status.Display.Highlight == parking.HighlightIdle
	message := l.status.Display.Message
	l.mu.RUnlock()
	if idle && message != l.idleMessage() {
		l.update(func(d *parking.DisplayState) { d.Message = l.idleMessage() })
	}
}

func (l *Lane) idleMessage() string {
	if l.gate != nil && l.gate.Required() && !l.gate.IsActive() {
		return MessageWaitingForBadge
	}
	return MessageIdle
}

func (l *Lane) update(fn func(*parking.DisplayState)) {
	l.mu.Lock()
	before := l.status.Display
	fn(&l.status.Display)
	after := l.status.Display
	l.status.Voter = l.voter.State().String()
	l.status.Buffered = l.voter.Buffered()
	l.status.Committed = l.voter.Committed()
	observers := l.observers
	l.mu.Unlock()

	if before.Equal(after) {
		return
	}
	for _, fn := range observers {
		fn(l.kind, after)
	}
}

// Display returns a copy of the current display state.
func (l *Lane) Display() parking.DisplayState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyDisplay(l.status.Display)
}

func (l *Lane) Status() Status {
	l.mu.RLock()
	st := l.status
	l.mu.RUnlock()

	st.Display = copyDisplay(st.Display)
	if st.LastOutcome != nil {
		out := *st.LastOutcome
		st.LastOutcome = &out
	}
	if l.gate != nil {
		st.GateRequired = l.gate.Required()
		st.GateActive = l.gate.IsActive()
	}
	if s, ok := l.source.(interface{ Stats() capture.Stats }); ok {
		stats := s.Stats()
		st.Capture = &stats
	}
	return st
}

// Snapshot returns the latest frame together with the display state drawn over it.
func (l *Lane) Snapshot() (parking.Frame, parking.DisplayState, bool) {
	frame, ok := l.source.ReadLatest()
	return frame, l.Display(), ok
}

func copyDisplay(d parking.DisplayState) parking.DisplayState {
	if d.Box != nil {
		box := *d.Box
		d.Box = &box
	}
	return d
}
