// Package camera provides exclusive V4L2 video capture for the engine's
// camera-owning worker thread (spec.md §4.4, §9).
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// Config holds the settings the engine uses to open the camera.
type Config struct {
	Device         string
	Width          int
	Height         int
	PixelFormat    string
	EmitterEnabled bool
}

// Frame is one captured video frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    v4l2.FourCCType
	Timestamp time.Time
}

// ToImage decodes the frame into a Go image.Image.
func (f *Frame) ToImage() (image.Image, error) {
	switch f.Format {
	case v4l2.PixelFmtMJPEG:
		return jpeg.Decode(bytes.NewReader(f.Data))
	case v4l2.PixelFmtYUYV:
		return yuyvToRGB(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtRGB24:
		return rgb24ToImage(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtGrey:
		return greyToImage(f.Data, f.Width, f.Height)
	default:
		return nil, fmt.Errorf("unsupported pixel format: %v", f.Format)
	}
}

// Camera is a single exclusively-owned V4L2 device. It must only ever be
// driven by one goroutine at a time — the engine's worker thread.
type Camera struct {
	device    *device.Device
	config    Config
	frameChan chan *Frame
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	wg        sync.WaitGroup
	logger    Logger
}

// Logger is the minimal logging surface camera needs.
type Logger interface {
	Infof(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{}) {}

// New opens the camera device without starting capture.
func New(cfg Config, logger Logger) (*Camera, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	dev, err := device.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open camera device %s: %w", cfg.Device, err)
	}
	return &Camera{
		device:    dev,
		config:    cfg,
		frameChan: make(chan *Frame, 4),
		logger:    logger,
	}, nil
}

func triggerIREmitter() error {
	if _, err := exec.LookPath("linux-enable-ir-emitter"); err != nil {
		return fmt.Errorf("linux-enable-ir-emitter tool not found")
	}
	cmd := exec.Command("linux-enable-ir-emitter", "run")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enable IR emitter: %w (output: %s)", err, output)
	}
	return nil
}

// Start begins capture, negotiating the actual resolution and optionally
// triggering the IR emitter (VISAGE_EMITTER_ENABLED, spec.md §6).
func (c *Camera) Start() error {
	if c.isRunning {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.device.Start(c.ctx); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}

	if fmtDesc, err := c.device.GetPixFormat(); err == nil {
		c.config.Width = int(fmtDesc.Width)
		c.config.Height = int(fmtDesc.Height)
	}

	c.isRunning = true

	if c.config.EmitterEnabled {
		if err := triggerIREmitter(); err != nil {
			c.logger.Infof("IR emitter trigger skipped or failed: %v", err)
		}
	}

	c.wg.Add(1)
	go c.captureLoop()

	return nil
}

// Stop halts capture and releases the device, absorbing any panics from
// the underlying go4vl cleanup path.
func (c *Camera) Stop() error {
	if !c.isRunning {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Infof("recovered from panic during camera stop: %v", r)
		}
	}()

	c.cancel()
	c.wg.Wait()

	if c.device != nil {
		_ = c.device.Stop()
	}

	c.isRunning = false
	return nil
}

// Close stops capture and closes the device.
func (c *Camera) Close() error {
	_ = c.Stop()
	if c.device != nil {
		err := c.device.Close()
		c.device = nil
		return err
	}
	return nil
}

// GetFrame returns the next captured frame, or false on a 5-second
// timeout or closed channel.
func (c *Camera) GetFrame() (*Frame, bool) {
	select {
	case frame, ok := <-c.frameChan:
		return frame, ok
	case <-time.After(5 * time.Second):
		return nil, false
	}
}

func (c *Camera) captureLoop() {
	defer c.wg.Done()
	out := c.device.GetOutput()

	pixelFormat := pixelFormatFor(c.config.PixelFormat)

	for {
		select {
		case <-c.ctx.Done():
			return
		case buf, ok := <-out:
			if !ok {
				return
			}
			dataCopy := make([]byte, len(buf))
			copy(dataCopy, buf)

			frame := &Frame{
				Data:      dataCopy,
				Width:     c.config.Width,
				Height:    c.config.Height,
				Format:    pixelFormat,
				Timestamp: time.Now(),
			}

			select {
			case c.frameChan <- frame:
			case <-c.ctx.Done():
				return
			default:
				// Consumer is behind; drop the frame rather than block capture.
			}
		}
	}
}

func pixelFormatFor(name string) v4l2.FourCCType {
	switch name {
	case "GREY", "Y16":
		return v4l2.PixelFmtGrey
	case "YUYV":
		return v4l2.PixelFmtYUYV
	case "RGB24":
		return v4l2.PixelFmtRGB24
	case "MJPEG", "":
		return v4l2.PixelFmtMJPEG
	default:
		return v4l2.PixelFmtGrey
	}
}

func yuyvToRGB(data []byte, width, height int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			idx := (y*width + x) * 2
			if idx+3 >= len(data) {
				break
			}
			Y0, U, Y1, V := int(data[idx]), int(data[idx+1])-128, int(data[idx+2]), int(data[idx+3])-128
			r0, g0, b0 := yuvToRGB(Y0, U, V)
			r1, g1, b1 := yuvToRGB(Y1, U, V)
			img.Set(x, y, color.RGBA{R: r0, G: g0, B: b0, A: 255})
			if x+1 < width {
				img.Set(x+1, y, color.RGBA{R: r1, G: g1, B: b1, A: 255})
			}
		}
	}
	return img, nil
}

func yuvToRGB(y, u, v int) (uint8, uint8, uint8) {
	c := y - 16
	R := (298*c + 409*v + 128) >> 8
	G := (298*c - 100*u - 208*v + 128) >> 8
	B := (298*c + 516*u + 128) >> 8
	return clampUint8(R), clampUint8(G), clampUint8(B)
}

func clampUint8(val int) uint8 {
	if val < 0 {
		return 0
	}
	if val > 255 {
		return 255
	}
	return uint8(val)
}

func rgb24ToImage(data []byte, width, height int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := (y*width + x) * 3
			if idx+2 >= len(data) {
				break
			}
			img.Set(x, y, color.RGBA{R: data[idx], G: data[idx+1], B: data[idx+2], A: 255})
		}
	}
	return img, nil
}

func greyToImage(data []byte, width, height int) (image.Image, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, data)
	return img, nil
}
