package raster

import "testing"

func TestImageSetPixelAndDimensions(t *testing.T) {
	img := NewImage(4, 2, FormatUint8, 3, false)
	img.SetPixelRGB(1, 1, 5, 6, 7)
	if img.Width() != 4 || img.Height() != 2 {
		t.Fatalf("got %dx%d, want 4x2", img.Width(), img.Height())
	}
	if got := img.Buffer().GetR(1, 1); got != 5 {
		t.Errorf("GetR = %v, want 5", got)
	}
}

func TestImageAddFrameMatchingShape(t *testing.T) {
	img := NewImage(2, 2, FormatUint8, 3, false)
	frame, err := img.AddFrame(nil)
	if err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if img.NumFrames() != 2 {
		t.Fatalf("NumFrames = %d, want 2", img.NumFrames())
	}
	got, err := img.GetFrame(1)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if got != frame {
		t.Error("GetFrame(1) did not return the frame just added")
	}
}

func TestImageAddFrameMismatchedShapeIsUsageError(t *testing.T) {
	img := NewImage(2, 2, FormatUint8, 3, false)
	other := NewImage(3, 3, FormatUint8, 3, false)
	if _, err := img.AddFrame(other); err == nil {
		t.Fatal("expected a usage error for a mismatched frame shape")
	}
}

func TestImageGetFrameOutOfRange(t *testing.T) {
	img := NewImage(1, 1, FormatUint8, 3, false)
	if _, err := img.GetFrame(5); err == nil {
		t.Fatal("expected a usage error for an out-of-range frame index")
	}
}

func TestImageCloneIsIndependent(t *testing.T) {
	img := NewImage(2, 2, FormatUint8, 3, false)
	img.SetPixelRGB(0, 0, 1, 2, 3)
	if _, err := img.AddFrame(nil); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	clone := img.Clone()
	clone.SetPixelRGB(0, 0, 9, 9, 9)
	if got := img.Buffer().GetR(0, 0); got != 1 {
		t.Errorf("original mutated through clone: GetR = %v, want 1", got)
	}
	if clone.NumFrames() != img.NumFrames() {
		t.Errorf("clone NumFrames = %d, want %d", clone.NumFrames(), img.NumFrames())
	}
}

func TestImageLoopCountRoundTrip(t *testing.T) {
	img := NewImage(1, 1, FormatUint8, 3, false)
	img.SetLoopCount(7)
	if img.LoopCount() != 7 {
		t.Errorf("LoopCount = %d, want 7", img.LoopCount())
	}
}
