package vision

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"parking-anpr/internal/config"
	"parking-anpr/internal/domain/parking"
)

// Camera is a capture device backed by an OpenCV VideoCapture. Device may be a V4L2
// index such as "0" or a stream URL.
type Camera struct {
	cfg config.CameraConfig

	mu  sync.Mutex
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func NewCamera(cfg config.CameraConfig) *Camera {
	return &Camera{cfg: cfg}
}

func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(c.cfg.Device)
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %v", c.cfg.Device, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return fmt.Errorf("camera %s is not available", c.cfg.Device)
	}

	vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec("MJPG"))
	if c.cfg.Width > 0 && c.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.cfg.Height))
	}
	if c.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(c.cfg.FPS))
	}

	c.vc = vc
	c.mat = gocv.NewMat()
	return nil
}

func (c *Camera) Read() (parking.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return parking.Frame{}, fmt.Errorf("camera %s is closed", c.cfg.Device)
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return parking.Frame{}, fmt.Errorf("camera %s returned no frame", c.cfg.Device)
	}

	frame, err := FrameFromMat(c.mat)
	if err != nil {
		return parking.Frame{}, err
	}
	return frame, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.mat.Close()
	c.vc = nil
	return err
}
