package vision

import (
	"image"

	"gocv.io/x/gocv"

	"parking-anpr/internal/domain/parking"
)

var plateSize = image.Pt(300, 75)

// PlateEnhancer normalizes a plate crop for OCR: grayscale, fixed size, local contrast
// equalization, then an Otsu binarization.
type PlateEnhancer struct {
	ClipLimit float64
	TileGrid  image.Point
}

func NewPlateEnhancer() *PlateEnhancer {
	return &PlateEnhancer{ClipLimit: 2.0, TileGrid: image.Pt(8, 8)}
}

func (e *PlateEnhancer) Enhance(region parking.Frame) (parking.Frame, error) {
	mat, err := MatFromFrame(region)
	if err != nil {
		return parking.Frame{}, err
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if err := toGray(mat, &gray); err != nil {
		return parking.Frame{}, err
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, plateSize, 0, 0, gocv.InterpolationCubic)

	clahe := gocv.NewCLAHEWithParams(e.ClipLimit, e.TileGrid)
	defer clahe.Close()
	equalized := gocv.NewMat()
	defer equalized.Close()
	clahe.Apply(resized, &equalized)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(equalized, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	return FrameFromMat(binary)
}
