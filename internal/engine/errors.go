package engine

import "errors"

// Error kinds from spec.md §7 that originate at the engine.
var (
	ErrNoFaceDetected  = errors.New("no face detected")
	ErrTimeout         = errors.New("timeout")
	ErrCameraError     = errors.New("camera error")
	ErrDetectorError   = errors.New("detector error")
	ErrRecognizerError = errors.New("recognizer error")
	ErrChannelClosed   = errors.New("engine channel closed")
)
