package parking

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseLane(t *testing.T) {
	tests := []struct {
		input    string
		expected Lane
		wantErr  bool
	}{
		{"entry", LaneEntry, false},
		{"EXIT", LaneExit, false},
		{" in ", LaneEntry, false},
		{"out", LaneExit, false},
		{"side", "", true},
	}

	for _, tt := range tests {
		lane, err := ParseLane(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLane(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLane(%q) unexpected error: %v", tt.input, err)
		}
		if lane != tt.expected {
			t.Errorf("ParseLane(%q) = %s, expected %s", tt.input, lane, tt.expected)
		}
	}
}

func TestOutcomeCommitted(t *testing.T) {
	committed := []OutcomeKind{OutcomeEntryRecorded, OutcomeAlreadyParked, OutcomeExitRecorded, OutcomeUnknownOrAlreadyExited}
	for _, kind := range committed {
		if !(Outcome{Kind: kind}).Committed() {
			t.Errorf("%s should be committed", kind)
		}
	}

	for _, kind := range []OutcomeKind{OutcomeUnauthorized, OutcomeFailed} {
		if (Outcome{Kind: kind, Err: errors.New("x")}).Committed() {
			t.Errorf("%s should not be committed", kind)
		}
	}
}

func TestOutcomeMessage(t *testing.T) {
	since := time.Date(2024, 5, 1, 8, 15, 30, 0, time.UTC)

	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{Outcome{Kind: OutcomeEntryRecorded}, "Welcome!"},
		{Outcome{Kind: OutcomeEntryRecorded, Owner: "Alice"}, "Hello Alice!"},
		{Outcome{Kind: OutcomeAlreadyParked, Since: &since}, "Already parked (since 08:15:30)"},
		{Outcome{Kind: OutcomeExitRecorded}, "Goodbye!"},
		{Outcome{Kind: OutcomeUnknownOrAlreadyExited}, "Not found"},
		{Outcome{Kind: OutcomeUnauthorized}, "Badge required"},
		{Outcome{Kind: OutcomeFailed}, "Ledger unavailable"},
	}

	for _, tt := range tests {
		if got := tt.outcome.Message(); got != tt.expected {
			t.Errorf("%s message = %q, expected %q", tt.outcome.Kind, got, tt.expected)
		}
	}
}

func TestFrameCrop(t *testing.T) {
	// 4x3 single-channel frame, pixel value = y*10 + x
	frame := Frame{Width: 4, Height: 3, Channels: 1}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			frame.Data = append(frame.Data, byte(y*10+x))
		}
	}

	crop := frame.Crop(BoundingBox{X: 1, Y: 1, Width: 2, Height: 2})
	if crop.Width != 2 || crop.Height != 2 {
		t.Fatalf("Expected 2x2 crop, got %dx%d", crop.Width, crop.Height)
	}
	expected := []byte{11, 12, 21, 22}
	for i, v := range expected {
		if crop.Data[i] != v {
			t.Errorf("crop.Data[%d] = %d, expected %d", i, crop.Data[i], v)
		}
	}

	clamped := frame.Crop(BoundingBox{X: 2, Y: 2, Width: 10, Height: 10})
	if clamped.Width != 2 || clamped.Height != 1 {
		t.Errorf("Expected clamped 2x1 crop, got %dx%d", clamped.Width, clamped.Height)
	}

	outside := frame.Crop(BoundingBox{X: 10, Y: 10, Width: 2, Height: 2})
	if !outside.Empty() {
		t.Error("Crop outside the frame should be empty")
	}
}

func TestFrameCloneIsIndependent(t *testing.T) {
	frame := Frame{Width: 1, Height: 1, Channels: 3, Data: []byte{1, 2, 3}}
	clone := frame.Clone()
	clone.Data[0] = 99

	if frame.Data[0] != 1 {
		t.Error("Clone must not share pixel memory with the original")
	}
}

func TestOutcomeKindTextRoundTrip(t *testing.T) {
	for kind := range outcomeNames {
		raw, err := json.Marshal(struct {
			Outcome OutcomeKind `json:"outcome"`
		}{kind})
		if err != nil {
			t.Fatalf("Marshal(%s): %v", kind, err)
		}

		var decoded struct {
			Outcome OutcomeKind `json:"outcome"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("Unmarshal(%s): %v", raw, err)
		}
		if decoded.Outcome != kind {
			t.Errorf("Round trip of %s gave %s", kind, decoded.Outcome)
		}
	}

	var kind OutcomeKind
	if err := kind.UnmarshalText([]byte("PARKED_TWICE")); err == nil {
		t.Error("Unknown outcome name should fail")
	}
}

func TestDisplayStateEqual(t *testing.T) {
	a := DisplayState{Plate: "AB-123-CD", Message: "Welcome!", Highlight: HighlightAccepted, Box: &BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}}
	b := a
	b.Box = &BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}

	if !a.Equal(b) {
		t.Error("Equal boxes behind different pointers should compare equal")
	}

	b.Box.X = 9
	if a.Equal(b) {
		t.Error("Different boxes should not compare equal")
	}

	b.Box = nil
	if a.Equal(b) {
		t.Error("Box against no box should not compare equal")
	}
	a.Box = nil
	if !a.Equal(b) {
		t.Error("Two states without box should compare equal")
	}

	b.Message = "Goodbye!"
	if a.Equal(b) {
		t.Error("Different messages should not compare equal")
	}
}
