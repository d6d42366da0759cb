// Package vision holds the OpenCV-backed adapters: camera devices, the plate cascade,
// the plate enhancer and the annotated preview encoder.
package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/parking"
)

// MatFromFrame copies a frame into a new Mat. The caller closes it.
func MatFromFrame(f parking.Frame) (gocv.Mat, error) {
	if f.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty frame")
	}

	var mt gocv.MatType
	switch f.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data[:f.Width*f.Height*f.Channels])
}

// FrameFromMat copies the pixels of an 8-bit Mat into a frame.
func FrameFromMat(m gocv.Mat) (parking.Frame, error) {
	if m.Empty() {
		return parking.Frame{}, fmt.Errorf("empty mat")
	}
	return parking.Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Channels: m.Channels(),
		Data:     m.ToBytes(),
	}, nil
}

func toGray(src gocv.Mat, dst *gocv.Mat) error {
	if src.Channels() == 1 {
		src.CopyTo(dst)
		return nil
	}
	if err := gocv.CvtColor(src, dst, gocv.ColorBGRToGray); err != nil {
		return fmt.Errorf("failed to convert image to grayscale: %v", err)
	}
	return nil
}
