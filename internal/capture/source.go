package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
)

// Device is the camera boundary. Read blocks until the next frame or an error.
type Device interface {
	Open() error
	Read() (parking.Frame, error)
	Close() error
}

type Options struct {
	// ReopenDelay is the pause between a failed read and the reopen attempt
	ReopenDelay time.Duration
	// ReadInterval paces the loop after each successful read
	ReadInterval time.Duration
}

type Stats struct {
	Frames      uint64    `json:"frames"`
	Failures    uint64    `json:"failures"`
	Reopens     uint64    `json:"reopens"`
	LastFrameAt time.Time `json:"last_frame_at"`
	Open        bool      `json:"open"`
}

// Source continuously reads one device and keeps only the latest frame.
type Source struct {
	name   string
	device Device
	opts   Options
	log    zerolog.Logger

	mu     sync.RWMutex
	latest *parking.Frame
	seq    uint64
	stats  Stats
}

func NewSource(name string, device Device, opts Options, log zerolog.Logger) *Source {
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = time.Second
	}
	return &Source{
		name:   name,
		device: device,
		opts:   opts,
		log:    log.With().Str("component", "capture").Str("source", name).Logger(),
	}
}

// Run acquires frames until ctx is cancelled. Device failures are retried, never returned.
func (s *Source) Run(ctx context.Context) {
	s.log.Info().Msg("capture started")
	defer s.log.Info().Msg("capture stopped")

	open := false
	defer func() {
		if open {
			_ = s.device.Close()
			s.setOpen(false)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if !open {
			if err := s.device.Open(); err != nil {
				s.recordFailure()
				s.log.Warn().Err(err).Dur("retry_in", s.opts.ReopenDelay).Msg("failed to open device")
				if !sleep(ctx, s.opts.ReopenDelay) {
					return
				}
				continue
			}
			open = true
			s.setOpen(true)
		}

		frame, err := s.device.Read()
		if err != nil || frame.Empty() {
			s.recordFailure()
			s.log.Warn().Err(err).Dur("retry_in", s.opts.ReopenDelay).Msg("frame read failed, reopening device")
			_ = s.device.Close()
			open = false
			s.setOpen(false)
			if !sleep(ctx, s.opts.ReopenDelay) {
				return
			}
			s.mu.Lock()
			s.stats.Reopens++
			s.mu.Unlock()
			continue
		}

		s.store(frame)

		if s.opts.ReadInterval > 0 && !sleep(ctx, s.opts.ReadInterval) {
			return
		}
	}
}

// ReadLatest returns a copy of the most recent frame. It never blocks on the device.
func (s *Source) ReadLatest() (parking.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return parking.Frame{}, false
	}
	return s.latest.Clone(), true
}

func (s *Source) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Source) store(frame parking.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	frame.Seq = s.seq
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	s.latest = &frame
	s.stats.Frames++
	s.stats.LastFrameAt = frame.Timestamp
}

func (s *Source) recordFailure() {
	s.mu.Lock()
	s.stats.Failures++
	s.mu.Unlock()
}

func (s *Source) setOpen(open bool) {
	s.mu.Lock()
	s.stats.Open = open
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
