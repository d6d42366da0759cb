package parking

import "time"

// Frame is a single decoded video frame.
type Frame struct {
	// Seq is the monotonic sequence number within one source
	Seq uint64
	// Timestamp is when the frame was read from the device
	Timestamp time.Time
	Width     int
	Height    int
	// Channels is 3 for BGR24 and 1 for GRAY8
	Channels int
	Data     []byte
}

func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*f.Channels
}

// Clone returns a deep copy so the caller may keep the frame after the source overwrites it.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// Crop copies the pixels inside box, clamped to the frame bounds.
func (f Frame) Crop(box BoundingBox) Frame {
	x0, y0 := clamp(box.X, 0, f.Width), clamp(box.Y, 0, f.Height)
	x1, y1 := clamp(box.X+box.Width, 0, f.Width), clamp(box.Y+box.Height, 0, f.Height)

	out := Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     x1 - x0,
		Height:    y1 - y0,
		Channels:  f.Channels,
	}
	if out.Width <= 0 || out.Height <= 0 || f.Empty() {
		out.Width, out.Height = 0, 0
		return out
	}

	stride := f.Width * f.Channels
	rowLen := out.Width * f.Channels
	out.Data = make([]byte, 0, rowLen*out.Height)
	for y := y0; y < y1; y++ {
		start := y*stride + x0*f.Channels
		out.Data = append(out.Data, f.Data[start:start+rowLen]...)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
