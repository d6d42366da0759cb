// Package consensus collapses noisy per-cycle plate reads into one decision.
//
// A Voter belongs to exactly one lane and is driven by that lane's recognition
// cycle only; it is not safe for concurrent use.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"parking-anpr/internal/domain/parking"
)

var ErrSampleCount = errors.New("consensus needs at least 2 samples")

type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateDecided:
		return "DECIDED"
	}
	return fmt.Sprintf("STATE_%d", int(s))
}

type VerdictKind int

const (
	// Pending means the buffer has not reached the sample count yet.
	Pending VerdictKind = iota
	// Suppressed means a winner was computed but equals the committed plate.
	Suppressed
	// Winner means a new plate must be dispatched.
	Winner
)

type Verdict struct {
	Kind  VerdictKind
	Plate string
	// Votes is how many buffered samples agreed with Plate.
	Votes int
	// Buffered is the buffer length after the observation (0 once decided).
	Buffered int
}

type Voter struct {
	samples           int
	inactivityTimeout time.Duration

	buffer       []parking.CandidatePlate
	committed    string
	lastActivity time.Time
	state        State
}

func NewVoter(samples int, inactivityTimeout time.Duration) (*Voter, error) {
	if samples < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrSampleCount, samples)
	}
	return &Voter{
		samples:           samples,
		inactivityTimeout: inactivityTimeout,
		buffer:            make([]parking.CandidatePlate, 0, samples),
		state:             StateIdle,
	}, nil
}

func (v *Voter) Samples() int { return v.samples }

func (v *Voter) State() State { return v.state }

func (v *Voter) Committed() string { return v.committed }

func (v *Voter) Buffered() int { return len(v.buffer) }

// Touch records activity on the lane (a plate region was seen).
func (v *Voter) Touch(now time.Time) {
	v.lastActivity = now
}

// Observe appends a candidate and decides once the buffer holds the sample count.
func (v *Voter) Observe(c parking.CandidatePlate) Verdict {
	v.Touch(c.ObservedAt)
	v.buffer = append(v.buffer, c)

	if len(v.buffer) < v.samples {
		v.state = StateAccumulating
		return Verdict{Kind: Pending, Plate: c.Plate, Buffered: len(v.buffer)}
	}

	plate, votes := mostFrequent(v.buffer)
	v.buffer = v.buffer[:0]
	v.state = StateDecided

	if plate == v.committed {
		return Verdict{Kind: Suppressed, Plate: plate, Votes: votes}
	}
	return Verdict{Kind: Winner, Plate: plate, Votes: votes}
}

// Commit marks plate as handled so that re-reads of the same vehicle are suppressed.
// It must only be called once the ledger reached a decision for the plate.
func (v *Voter) Commit(plate string) {
	v.committed = plate
}

// Expire resets the voter when the lane has been quiet for longer than the inactivity timeout.
// It returns true if a committed plate was cleared.
func (v *Voter) Expire(now time.Time) bool {
	if now.Sub(v.lastActivity) <= v.inactivityTimeout {
		return false
	}

	hadCommitted := v.committed != ""
	v.buffer = v.buffer[:0]
	v.committed = ""
	v.state = StateIdle
	return hadCommitted
}

// mostFrequent returns the plate with the highest count; ties go to the first seen.
func mostFrequent(buf []parking.CandidatePlate) (string, int) {
	counts := make(map[string]int, len(buf))
	order := make([]string, 0, len(buf))
	for _, c := range buf {
		if counts[c.Plate] == 0 {
			order = append(order, c.Plate)
		}
		counts[c.Plate]++
	}

	best, bestCount := "", 0
	for _, plate := range order {
		if counts[plate] > bestCount {
			best, bestCount = plate, counts[plate]
		}
	}
	return best, bestCount
}
