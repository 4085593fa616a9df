package liveness

import "testing"

func frame(eyeX float64) [NumLandmarks]Point {
	var f [NumLandmarks]Point
	f[LeftEye] = Point{X: eyeX, Y: 0}
	f[RightEye] = Point{X: eyeX + 20, Y: 0}
	f[Nose] = Point{X: eyeX + 10, Y: 10}
	f[LeftMouth] = Point{X: eyeX + 5, Y: 20}
	f[RightMouth] = Point{X: eyeX + 15, Y: 20}
	return f
}

func TestIdenticalFramesFail(t *testing.T) {
	d := New(DefaultMinDisplacement)
	frames := [][NumLandmarks]Point{frame(100), frame(100), frame(100)}

	r := d.Check(frames)
	if r.Pass {
		t.Fatal("identical landmark sequences should fail liveness")
	}
	if r.MeanDisplacement != 0 {
		t.Fatalf("expected displacement 0, got %v", r.MeanDisplacement)
	}
	if r.Pairs != 2 {
		t.Fatalf("expected 2 pairs, got %d", r.Pairs)
	}
}

func TestSingleFramePassesTrivially(t *testing.T) {
	d := New(DefaultMinDisplacement)
	r := d.Check([][NumLandmarks]Point{frame(100)})
	if !r.Pass || r.Pairs != 0 || r.MeanDisplacement != 0 {
		t.Fatalf("expected trivial pass for single frame, got %+v", r)
	}
}

func TestNoFramesPassesTrivially(t *testing.T) {
	d := New(DefaultMinDisplacement)
	r := d.Check(nil)
	if !r.Pass || r.Pairs != 0 {
		t.Fatalf("expected trivial pass for no frames, got %+v", r)
	}
}

func TestSufficientMovementPasses(t *testing.T) {
	d := New(DefaultMinDisplacement)
	frames := [][NumLandmarks]Point{frame(100), frame(103), frame(100)}

	r := d.Check(frames)
	if !r.Pass {
		t.Fatalf("expected pass with 3px movement, got %+v", r)
	}
}

func TestBelowThresholdFails(t *testing.T) {
	d := New(DefaultMinDisplacement)
	frames := [][NumLandmarks]Point{frame(100), frame(100.05), frame(100)}

	r := d.Check(frames)
	if r.Pass {
		t.Fatalf("expected fail with sub-pixel movement, got %+v", r)
	}
}
