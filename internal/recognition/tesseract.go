package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/parking"
)

// TesseractExtractor runs the tesseract CLI on a PNG piped through stdin.
type TesseractExtractor struct {
	path        string
	pageSegMode int
	log         zerolog.Logger
}

func NewTesseractExtractor(path string, pageSegMode int, log zerolog.Logger) *TesseractExtractor {
	if path == "" {
		path = "tesseract"
	}
	if pageSegMode <= 0 {
		pageSegMode = 7
	}
	return &TesseractExtractor{
		path:        path,
		pageSegMode: pageSegMode,
		log:         log.With().Str("component", "tesseract").Logger(),
	}
}

func (e *TesseractExtractor) Args(whitelist string) []string {
	args := []string{"stdin", "stdout", "--psm", strconv.Itoa(e.pageSegMode)}
	if whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+whitelist)
	}
	return args
}

func (e *TesseractExtractor) ExtractText(ctx context.Context, img parking.Frame, whitelist string) string {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		e.log.Debug().Err(err).Msg("failed to encode plate image")
		return ""
	}

	cmd := exec.CommandContext(ctx, e.path, e.Args(whitelist)...)
	cmd.Stdin = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		e.log.Debug().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).Msg("tesseract failed")
		return ""
	}
	return strings.TrimSpace(string(out))
}

// EncodePNG writes a GRAY8 or BGR24 frame as PNG.
func EncodePNG(w *bytes.Buffer, f parking.Frame) error {
	if f.Empty() {
		return fmt.Errorf("empty frame")
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, f.Data[:f.Width*f.Height])
		return png.Encode(w, img)
	case 3:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < f.Width*f.Height*3; i, j = i+3, j+4 {
			img.Pix[j] = f.Data[i+2]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i]
			img.Pix[j+3] = 0xff
		}
		return png.Encode(w, img)
	}
	return fmt.Errorf("unsupported channel count %d", f.Channels)
}
