// Package inference defines the opaque detector/recognizer boundary the
// engine drives. Reimplementing SCRFD/ArcFace is out of scope (spec.md
// §1); this package documents the expected interface and ships a
// model-file-backed placeholder that the engine can exercise end to end.
package inference

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/Aigusta-Labs/visage/internal/liveness"
)

// Detection is one detected face, with the 5-point landmark layout used by
// the liveness check (spec.md §4.3).
type Detection struct {
	X1, Y1, X2, Y2 float32
	Confidence     float32
	Landmarks      [liveness.NumLandmarks]liveness.Point
}

// ErrNotInitialized is returned when a method is called before the
// underlying model session is ready.
var ErrNotInitialized = errors.New("inference: not initialized")

// Detector finds faces and their landmarks in a frame.
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
	Close() error
}

// Recognizer extracts a normalized embedding for one detected face.
type Recognizer interface {
	// Extract returns a 512-dim, L2-normalized embedding for det within img.
	Extract(img image.Image, det Detection) ([]float32, error)
	Version() string
	Close() error
}

// EmbeddingDims is the fixed output size of Recognizer.Extract.
const EmbeddingDims = 512

// ONNXDetector is the production Detector. The model math itself
// (SCRFD inference) is an opaque call per spec.md §1; this type owns model
// lifecycle (file presence) and the session handle placeholder that a real
// ONNX Runtime binding would fill in.
type ONNXDetector struct {
	modelPath   string
	session     interface{} // placeholder for an onnxruntime-go session
	initialized bool
}

// NewONNXDetector verifies det_10g.onnx exists under modelDir and returns a
// detector ready to accept Detect calls once wired to a real runtime.
func NewONNXDetector(modelDir string) (*ONNXDetector, error) {
	path := filepath.Join(modelDir, "det_10g.onnx")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("detector model: %w", err)
	}
	return &ONNXDetector{modelPath: path, initialized: true}, nil
}

// Detect runs face detection. The session field documents where a real
// ONNX Runtime call would attach; this placeholder returns
// ErrNotInitialized until a runtime binding is wired in.
func (d *ONNXDetector) Detect(img image.Image) ([]Detection, error) {
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	return nil, fmt.Errorf("%w: SCRFD inference session not attached", ErrNotInitialized)
}

// Close releases the detector's session handle.
func (d *ONNXDetector) Close() error {
	d.session = nil
	d.initialized = false
	return nil
}

// ONNXRecognizer is the production Recognizer, analogous to ONNXDetector.
type ONNXRecognizer struct {
	modelPath   string
	session     interface{}
	initialized bool
	version     string
}

// NewONNXRecognizer verifies w600k_r50.onnx exists under modelDir.
func NewONNXRecognizer(modelDir string) (*ONNXRecognizer, error) {
	path := filepath.Join(modelDir, "w600k_r50.onnx")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("recognizer model: %w", err)
	}
	return &ONNXRecognizer{modelPath: path, initialized: true, version: "w600k_r50"}, nil
}

// Extract runs ArcFace inference over the aligned crop at det. The crop,
// resize, and CHW normalization steps run for real; only the model session
// call itself is a placeholder until a real ONNX Runtime binding is wired
// in.
func (r *ONNXRecognizer) Extract(img image.Image, det Detection) ([]float32, error) {
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	aligned := alignedCrop(img, det)
	_ = toCHWNormalized(aligned, recognizerInputSize)
	return nil, fmt.Errorf("%w: ArcFace inference session not attached", ErrNotInitialized)
}

// Version returns the producing model's version tag, stored alongside
// every FaceModel (spec.md §3 model_version).
func (r *ONNXRecognizer) Version() string { return r.version }

// Close releases the recognizer's session handle.
func (r *ONNXRecognizer) Close() error {
	r.session = nil
	r.initialized = false
	return nil
}
