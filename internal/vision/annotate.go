package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/parking"
)

var (
	colorScanning = color.RGBA{R: 255, G: 200, B: 0, A: 0}
	colorAccepted = color.RGBA{R: 0, G: 220, B: 0, A: 0}
	colorRejected = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	colorIdle     = color.RGBA{R: 200, G: 200, B: 200, A: 0}
	colorBanner   = color.RGBA{R: 0, G: 0, B: 0, A: 0}
	colorText     = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

const bannerHeight = 60

// Annotate draws the lane display state over a frame and returns it as JPEG.
func Annotate(frame parking.Frame, lane parking.Lane, state parking.DisplayState) ([]byte, error) {
	mat, err := MatFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	if mat.Channels() == 1 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		if err := gocv.CvtColor(mat, &bgr, gocv.ColorGrayToBGR); err != nil {
			return nil, fmt.Errorf("failed to convert image to color: %v", err)
		}
		bgr.CopyTo(&mat)
	}

	accent := highlightColor(state.Highlight)

	if state.Box != nil {
		rect := image.Rect(state.Box.X, state.Box.Y, state.Box.X+state.Box.Width, state.Box.Y+state.Box.Height)
		if err := gocv.Rectangle(&mat, rect, accent, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %v", err)
		}
	}

	if err := gocv.Rectangle(&mat, image.Rect(0, 0, mat.Cols(), bannerHeight), colorBanner, -1); err != nil {
		return nil, fmt.Errorf("failed to draw banner: %v", err)
	}

	title := fmt.Sprintf("%s  %s", lane, state.Plate)
	if err := gocv.PutText(&mat, title, image.Pt(10, 25), gocv.FontHersheySimplex, 0.7, accent, 2); err != nil {
		return nil, fmt.Errorf("failed to draw text: %v", err)
	}
	if err := gocv.PutText(&mat, state.Message, image.Pt(10, 50), gocv.FontHersheySimplex, 0.6, colorText, 1); err != nil {
		return nil, fmt.Errorf("failed to draw text: %v", err)
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %v", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())

	return out, nil
}

func highlightColor(h parking.Highlight) color.RGBA {
	switch h {
	case parking.HighlightScanning:
		return colorScanning
	case parking.HighlightAccepted:
		return colorAccepted
	case parking.HighlightRejected:
		return colorRejected
	}
	return colorIdle
}
