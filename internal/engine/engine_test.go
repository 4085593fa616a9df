package engine

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/Aigusta-Labs/visage/internal/camera"
	"github.com/Aigusta-Labs/visage/internal/inference"
	"github.com/Aigusta-Labs/visage/internal/liveness"
	"github.com/Aigusta-Labs/visage/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// fakeSource hands back a fixed queue of frames. Once the queue is empty,
// GetFrame returns (nil, false) at once, the same result camera.Camera gives
// after its capture timeout, without the wait.
type fakeSource struct {
	mu     sync.Mutex
	frames []*camera.Frame
}

func (f *fakeSource) GetFrame() (*camera.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, false
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, true
}

func (f *fakeSource) Close() error { return nil }

func blankFrame() *camera.Frame {
	return &camera.Frame{Data: []byte{1}, Width: 1, Height: 1, Format: v4l2.PixelFmtGrey}
}

// fakeDetector lets each test script its own per-frame detections.
type fakeDetector struct {
	DetectFunc func(img image.Image) ([]inference.Detection, error)
}

func (f *fakeDetector) Detect(img image.Image) ([]inference.Detection, error) {
	return f.DetectFunc(img)
}
func (f *fakeDetector) Close() error { return nil }

// fakeRecognizer delegates Extract to each test's ExtractFunc.
type fakeRecognizer struct {
	ExtractFunc func(img image.Image, det inference.Detection) ([]float32, error)
}

func (f *fakeRecognizer) Extract(img image.Image, det inference.Detection) ([]float32, error) {
	return f.ExtractFunc(img, det)
}
func (f *fakeRecognizer) Version() string { return "fake-v1" }
func (f *fakeRecognizer) Close() error    { return nil }

// newEngineForTest starts an engine over a fakeSource with no warmup frames.
// The frames are 1x1 grey (see blankFrame), which camera.Frame.ToImage
// decodes trivially, so tests don't need real JPEG bytes.
func newEngineForTest(t *testing.T, det *fakeDetector, rec *fakeRecognizer, frames []*camera.Frame) (*Engine, *fakeSource) {
	t.Helper()
	src := &fakeSource{frames: frames}
	logger := logrus.New()
	logger.SetOutput(writerDiscard{})
	e, err := startWithSource(src, det, rec, 0, logger)
	if err != nil {
		t.Fatalf("startWithSource: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, src
}

type writerDiscard struct{}

func (writerDiscard) Write(p []byte) (int, error) { return len(p), nil }

func unitEmbedding(hot int) []float32 {
	v := make([]float32, store.EmbeddingDims)
	v[hot] = 1
	return v
}

func detectionWithMotion(confidence float32, eyeX float64) inference.Detection {
	var d inference.Detection
	d.Confidence = confidence
	d.Landmarks[liveness.LeftEye] = liveness.Point{X: eyeX, Y: 0}
	d.Landmarks[liveness.RightEye] = liveness.Point{X: eyeX + 20, Y: 0}
	return d
}

func TestEnrollPicksHighestConfidenceDetection(t *testing.T) {
	frames := []*camera.Frame{blankFrame(), blankFrame(), blankFrame()}
	confidences := []float32{0.5, 0.9, 0.7}
	call := 0
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		d := detectionWithMotion(confidences[call], 100)
		call++
		return []inference.Detection{d}, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		return unitEmbedding(0), nil
	}}

	e, _ := newEngineForTest(t, det, rec, frames)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Enroll(ctx, 3)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if res.QualityScore != 0.9 {
		t.Fatalf("expected quality 0.9 from highest-confidence frame, got %v", res.QualityScore)
	}
}

func TestEnrollNoFaceDetected(t *testing.T) {
	frames := []*camera.Frame{blankFrame()}
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		return nil, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		t.Fatal("Extract should not be called with no detections")
		return nil, nil
	}}

	e, _ := newEngineForTest(t, det, rec, frames)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := e.Enroll(ctx, 1)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestVerifyMatchesEnrolledFace(t *testing.T) {
	frames := []*camera.Frame{blankFrame(), blankFrame()}
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		return []inference.Detection{detectionWithMotion(0.9, 100)}, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		return unitEmbedding(0), nil
	}}

	e, _ := newEngineForTest(t, det, rec, frames)

	gallery := []store.FaceModel{{ID: "m1", Label: "primary", Embedding: unitEmbedding(0)}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Verify(ctx, gallery, 0.8, 2, false, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match, got %+v", res)
	}
	if res.ModelID != "m1" {
		t.Fatalf("expected model m1, got %q", res.ModelID)
	}
}

func TestVerifyBelowThresholdNoMatch(t *testing.T) {
	frames := []*camera.Frame{blankFrame()}
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		return []inference.Detection{detectionWithMotion(0.9, 100)}, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		return unitEmbedding(1), nil
	}}

	e, _ := newEngineForTest(t, det, rec, frames)

	gallery := []store.FaceModel{{ID: "m1", Label: "primary", Embedding: unitEmbedding(0)}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Verify(ctx, gallery, 0.8, 1, false, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected no match for orthogonal embedding, got %+v", res)
	}
}

func TestVerifyLivenessFailureForcesNoMatch(t *testing.T) {
	// Static landmarks across frames: identical eye position every frame.
	frames := []*camera.Frame{blankFrame(), blankFrame(), blankFrame()}
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		return []inference.Detection{detectionWithMotion(0.9, 100)}, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		return unitEmbedding(0), nil
	}}

	e, _ := newEngineForTest(t, det, rec, frames)

	gallery := []store.FaceModel{{ID: "m1", Label: "primary", Embedding: unitEmbedding(0)}}
	livenessDetector := liveness.New(liveness.DefaultMinDisplacement)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Verify(ctx, gallery, 0.8, 3, true, livenessDetector)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Matched {
		t.Fatal("expected liveness failure (static landmarks) to force Matched=false")
	}
	if res.Similarity < 0.8 {
		t.Fatalf("similarity should still be reported even though liveness failed, got %v", res.Similarity)
	}
}

func TestVerifyTimeoutAbandonsWait(t *testing.T) {
	// No frames available at all: the camera fake's GetFrame returns false
	// immediately, so captureAndDetect returns zero frames and doVerify
	// would report ErrNoFaceDetected — but here we use a context that's
	// already cancelled, exercising the caller-side abandonment path
	// instead.
	det := &fakeDetector{DetectFunc: func(img image.Image) ([]inference.Detection, error) {
		return nil, nil
	}}
	rec := &fakeRecognizer{ExtractFunc: func(img image.Image, d inference.Detection) ([]float32, error) {
		return nil, nil
	}}
	e, _ := newEngineForTest(t, det, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Verify(ctx, nil, 0.8, 1, false, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on cancelled context, got %v", err)
	}
}
