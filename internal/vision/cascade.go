package vision

import (
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/parking"
)

const (
	cascadeScale        = 1.1
	cascadeMinNeighbors = 4
	// detection runs on a half-size image; boxes are scaled back up
	detectDownscale = 2
)

var cascadeMinSize = image.Pt(30, 10)

// CascadeDetector finds plate-shaped regions with a Haar cascade.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	log        zerolog.Logger
}

func NewCascadeDetector(path string, log zerolog.Logger) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		_ = classifier.Close()
		return nil, fmt.Errorf("failed to load cascade %s", path)
	}
	return &CascadeDetector{
		classifier: classifier,
		log:        log.With().Str("component", "cascade").Logger(),
	}, nil
}

func (d *CascadeDetector) Detect(frame parking.Frame) []parking.BoundingBox {
	mat, err := MatFromFrame(frame)
	if err != nil {
		return nil
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if err := toGray(mat, &gray); err != nil {
		d.log.Debug().Err(err).Msg("detect skipped")
		return nil
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(gray, &small, image.Pt(gray.Cols()/detectDownscale, gray.Rows()/detectDownscale), 0, 0, gocv.InterpolationLinear)
	if small.Empty() {
		return nil
	}

	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(small, cascadeScale, cascadeMinNeighbors, 0, cascadeMinSize, image.Pt(0, 0))
	d.mu.Unlock()

	boxes := make([]parking.BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, parking.BoundingBox{
			X:      r.Min.X * detectDownscale,
			Y:      r.Min.Y * detectDownscale,
			Width:  r.Dx() * detectDownscale,
			Height: r.Dy() * detectDownscale,
		})
	}
	return boxes
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
