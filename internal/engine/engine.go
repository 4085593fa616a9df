// Package engine is the single-writer owner of the camera, detector, and
// recognizer (spec.md §4.4, §9). It is reached through a clone-safe handle
// that forwards Enroll/Verify requests over a bounded queue; one dedicated
// worker goroutine processes requests serially against the hardware.
package engine

import (
	"context"
	"fmt"
	"image"

	"github.com/Aigusta-Labs/visage/internal/camera"
	"github.com/Aigusta-Labs/visage/internal/inference"
	"github.com/Aigusta-Labs/visage/internal/liveness"
	"github.com/Aigusta-Labs/visage/internal/store"
	"github.com/sirupsen/logrus"
)

const queueCapacity = 4

// EnrollResult is the outcome of an Enroll request.
type EnrollResult struct {
	Embedding    []float32
	QualityScore float32
}

// VerifyResult is the outcome of a Verify request (spec.md §4.4, §9: a
// tagged result, not an exception — errors are a separate path).
type VerifyResult struct {
	Matched     bool
	Similarity  float64
	ModelID     string
	ModelLabel  string
	BestQuality float32
}

type enrollParams struct {
	framesCount int
}

type verifyParams struct {
	gallery          []store.FaceModel
	threshold        float64
	framesCount      int
	livenessEnabled  bool
	livenessDetector *liveness.Detector
}

type reqKind int

const (
	kindEnroll reqKind = iota
	kindVerify
)

type request struct {
	kind   reqKind
	enroll enrollParams
	verify verifyParams
	reply  chan response
}

type response struct {
	enrollResult EnrollResult
	verifyResult VerifyResult
	err          error
}

// frameSource is the capture surface the engine drives. *camera.Camera
// satisfies it; tests substitute a hand-rolled fake.
type frameSource interface {
	GetFrame() (*camera.Frame, bool)
	Close() error
}

// Engine exclusively owns the camera, detector, and recognizer. Enroll and
// Verify are safe to call from any goroutine: they only submit requests to
// the queue, and the worker goroutine alone touches the hardware.
type Engine struct {
	cam        frameSource
	detector   inference.Detector
	recognizer inference.Recognizer
	logger     *logrus.Logger

	queue  chan request
	cancel context.CancelFunc
	done   chan struct{}
}

// Start opens the camera, discards warmupFrames frames to let auto-gain
// settle, and spins up the worker goroutine. Any failure here is fatal
// before the daemon publishes its bus name (spec.md §4.4 startup).
func Start(camCfg camera.Config, det inference.Detector, rec inference.Recognizer, warmupFrames int, logger *logrus.Logger) (*Engine, error) {
	cam, err := camera.New(camCfg, cameraLoggerAdapter{logger})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraError, err)
	}
	if err := cam.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraError, err)
	}

	return startWithSource(cam, det, rec, warmupFrames, logger)
}

func startWithSource(cam frameSource, det inference.Detector, rec inference.Recognizer, warmupFrames int, logger *logrus.Logger) (*Engine, error) {
	for i := 0; i < warmupFrames; i++ {
		if _, ok := cam.GetFrame(); !ok {
			_ = cam.Close()
			return nil, fmt.Errorf("%w: warmup capture failed", ErrCameraError)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cam:        cam,
		detector:   det,
		recognizer: rec,
		logger:     logger,
		queue:      make(chan request, queueCapacity),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go e.run(ctx)

	return e, nil
}

// Close cancels the worker and releases the camera and model handles.
func (e *Engine) Close() error {
	e.cancel()
	<-e.done
	_ = e.detector.Close()
	_ = e.recognizer.Close()
	return e.cam.Close()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.queue:
			if !ok {
				return
			}
			var resp response
			switch req.kind {
			case kindEnroll:
				resp.enrollResult, resp.err = e.doEnroll(req.enroll)
			case kindVerify:
				resp.verifyResult, resp.err = e.doVerify(req.verify)
			}
			// The caller may have already given up on a timeout; a capture
			// already in flight is completed above and its result is
			// discarded here rather than blocking the worker.
			select {
			case req.reply <- resp:
			default:
			}
		}
	}
}

// Enroll submits an Enroll(frames_count) request and waits for the reply or
// ctx's deadline, whichever comes first (spec.md §4.4 request types).
func (e *Engine) Enroll(ctx context.Context, framesCount int) (EnrollResult, error) {
	reply := make(chan response, 1)
	req := request{kind: kindEnroll, enroll: enrollParams{framesCount: framesCount}, reply: reply}

	select {
	case e.queue <- req:
	case <-ctx.Done():
		return EnrollResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	select {
	case resp := <-reply:
		return resp.enrollResult, resp.err
	case <-ctx.Done():
		return EnrollResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Verify submits a Verify(gallery, threshold, frames_count, timeout)
// request. The timeout is also expressed via ctx's deadline by the caller.
func (e *Engine) Verify(ctx context.Context, gallery []store.FaceModel, threshold float64, framesCount int, livenessEnabled bool, livenessDetector *liveness.Detector) (VerifyResult, error) {
	reply := make(chan response, 1)
	req := request{
		kind: kindVerify,
		verify: verifyParams{
			gallery:          gallery,
			threshold:        threshold,
			framesCount:      framesCount,
			livenessEnabled:  livenessEnabled,
			livenessDetector: livenessDetector,
		},
		reply: reply,
	}

	select {
	case e.queue <- req:
	case <-ctx.Done():
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	select {
	case resp := <-reply:
		return resp.verifyResult, resp.err
	case <-ctx.Done():
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

type capturedFrame struct {
	img        image.Image
	detections []inference.Detection
}

// captureAndDetect captures count frames and runs detection on each,
// skipping frames the camera couldn't deliver.
func (e *Engine) captureAndDetect(count int) ([]capturedFrame, error) {
	frames := make([]capturedFrame, 0, count)
	for i := 0; i < count; i++ {
		f, ok := e.cam.GetFrame()
		if !ok {
			continue
		}
		img, err := f.ToImage()
		if err != nil {
			e.logger.Warnf("frame decode failed: %v", err)
			continue
		}
		dets, err := e.detector.Detect(img)
		if err != nil {
			e.logger.Warnf("detection failed: %v", err)
			continue
		}
		frames = append(frames, capturedFrame{img: img, detections: dets})
	}
	return frames, nil
}

func bestDetection(dets []inference.Detection) (inference.Detection, bool) {
	var best inference.Detection
	found := false
	for _, d := range dets {
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	return best, found
}

// doEnroll implements spec.md §4.4's enroll algorithm.
func (e *Engine) doEnroll(p enrollParams) (EnrollResult, error) {
	frames, err := e.captureAndDetect(p.framesCount)
	if err != nil {
		return EnrollResult{}, err
	}

	var bestImg image.Image
	var best inference.Detection
	found := false

	for _, f := range frames {
		if d, ok := bestDetection(f.detections); ok {
			if !found || d.Confidence > best.Confidence {
				best = d
				bestImg = f.img
				found = true
			}
		}
	}

	if !found {
		return EnrollResult{}, ErrNoFaceDetected
	}

	embedding, err := e.recognizer.Extract(bestImg, best)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("%w: %v", ErrRecognizerError, err)
	}

	return EnrollResult{Embedding: embedding, QualityScore: best.Confidence}, nil
}

// doVerify implements spec.md §4.4's verify algorithm and §4.3's liveness
// integration.
func (e *Engine) doVerify(p verifyParams) (VerifyResult, error) {
	frames, err := e.captureAndDetect(p.framesCount)
	if err != nil {
		return VerifyResult{}, err
	}

	var result VerifyResult
	var landmarkFrames [][liveness.NumLandmarks]liveness.Point
	anyFace := false
	anyComparison := false
	bestSim := -1.0

	for _, f := range frames {
		d, ok := bestDetection(f.detections)
		if !ok {
			continue
		}
		anyFace = true
		landmarkFrames = append(landmarkFrames, d.Landmarks)

		embedding, err := e.recognizer.Extract(f.img, d)
		if err != nil {
			e.logger.Warnf("embedding extraction failed: %v", err)
			continue
		}

		matched, sim, id, label := compareAgainstGallery(embedding, p.gallery, p.threshold)
		anyComparison = true
		if sim > bestSim {
			bestSim = sim
			result = VerifyResult{
				Matched:     matched,
				Similarity:  sim,
				ModelID:     id,
				ModelLabel:  label,
				BestQuality: d.Confidence,
			}
		}
	}

	if !anyFace {
		return VerifyResult{}, ErrNoFaceDetected
	}
	if !anyComparison {
		return VerifyResult{Matched: false}, nil
	}

	if p.livenessEnabled && p.livenessDetector != nil {
		lr := p.livenessDetector.Check(landmarkFrames)
		if !lr.Pass {
			result.Matched = false
		}
	}

	return result, nil
}

func compareAgainstGallery(probe []float32, gallery []store.FaceModel, threshold float64) (matched bool, bestSim float64, id, label string) {
	bestSim = -1
	for _, g := range gallery {
		sim := store.CosineSimilarity(probe, g.Embedding)
		if sim > bestSim {
			bestSim = sim
			id = g.ID
			label = g.Label
		}
	}
	matched = bestSim >= threshold
	if !matched {
		id, label = "", ""
	}
	return matched, bestSim, id, label
}

type cameraLoggerAdapter struct {
	logger *logrus.Logger
}

func (c cameraLoggerAdapter) Infof(format string, args ...interface{}) {
	c.logger.Infof(format, args...)
}
