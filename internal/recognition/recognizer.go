// Package recognition turns one frame into at most one normalized plate candidate.
//
// The pipeline is: crop to the area where plates appear, find the largest plate-shaped
// region, enhance it, read it with the text extractor, then clean, remap and validate the
// text against the LL-NNN-LL grammar. Every stage can bail out, in which case the frame
// simply yields no candidate.
package recognition

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/utils"
)

// RegionDetector proposes plate-shaped regions in frame coordinates.
type RegionDetector interface {
	Detect(frame parking.Frame) []parking.BoundingBox
}

// Enhancer prepares a plate crop for text extraction. It must be deterministic.
type Enhancer interface {
	Enhance(region parking.Frame) (parking.Frame, error)
}

// TextExtractor reads text from an image. Failures return an empty string.
type TextExtractor interface {
	ExtractText(ctx context.Context, img parking.Frame, whitelist string) string
}

type Options struct {
	// CropTop drops this fraction of rows from the top of the frame before detection
	CropTop   float64
	Whitelist string
}

// Detection is what one recognition cycle found.
type Detection struct {
	// Region is the chosen plate box in full-frame coordinates, nil when none was found
	Region    *parking.BoundingBox
	Candidate *parking.CandidatePlate
	// RawText is the extractor output, kept for debug logging
	RawText string
}

type Recognizer struct {
	detector  RegionDetector
	enhancer  Enhancer
	extractor TextExtractor
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

func NewRecognizer(detector RegionDetector, enhancer Enhancer, extractor TextExtractor, opts Options, log zerolog.Logger) *Recognizer {
	if opts.Whitelist == "" {
		opts.Whitelist = utils.PlateWhitelist
	}
	return &Recognizer{
		detector:  detector,
		enhancer:  enhancer,
		extractor: extractor,
		opts:      opts,
		log:       log.With().Str("component", "recognizer").Logger(),
		now:       time.Now,
	}
}

func (r *Recognizer) Recognize(ctx context.Context, frame parking.Frame) Detection {
	if frame.Empty() {
		return Detection{}
	}

	offsetY := int(float64(frame.Height) * r.opts.CropTop)
	roi := frame.Crop(parking.BoundingBox{X: 0, Y: offsetY, Width: frame.Width, Height: frame.Height - offsetY})
	if roi.Empty() {
		return Detection{}
	}

	box, ok := largest(r.detector.Detect(roi))
	if !ok {
		return Detection{}
	}

	plateCrop := roi.Crop(box)
	box.Y += offsetY
	det := Detection{Region: &box}
	if plateCrop.Empty() {
		return det
	}

	enhanced, err := r.enhancer.Enhance(plateCrop)
	if err != nil {
		r.log.Debug().Err(err).Msg("enhance failed")
		return det
	}

	det.RawText = r.extractor.ExtractText(ctx, enhanced, r.opts.Whitelist)
	plate := utils.NormalizePlate(det.RawText)
	if plate == "" {
		return det
	}

	det.Candidate = &parking.CandidatePlate{Plate: plate, ObservedAt: r.now()}
	return det
}

// largest picks the region with the biggest area, the first one on ties.
func largest(boxes []parking.BoundingBox) (parking.BoundingBox, bool) {
	var best parking.BoundingBox
	found := false
	for _, b := range boxes {
		if b.Width <= 0 || b.Height <= 0 {
			continue
		}
		if !found || b.Area() > best.Area() {
			best, found = b, true
		}
	}
	return best, found
}
