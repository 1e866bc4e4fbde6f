package gif

import (
	"bytes"
	"testing"

	"github.com/deepteams/imgcore"
)

func TestEncodeDecodeRoundTripRGB(t *testing.T) {
	src := raster.NewImage(4, 3, raster.FormatUint8, 3, false)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			src.SetPixelRGB(x, y, float64(x*60), float64(y*80), float64((x+y)*20))
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, res, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if got.Width() != 4 || got.Height() != 3 {
		t.Fatalf("dims = %dx%d, want 4x3", got.Width(), got.Height())
	}
}

func TestEncodeDecodeAnimatedLoopCount(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 3, false)
	src.SetPixelRGB(0, 0, 200, 10, 10)
	src.SetFrameDurationMs(100)
	f2, _ := src.AddFrame(nil)
	f2.SetPixelRGB(1, 1, 10, 200, 10)
	f2.SetFrameDurationMs(300)

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{LoopCount: 3}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NumFrames() != 2 {
		t.Fatalf("NumFrames() = %d, want 2", got.NumFrames())
	}
	if got.LoopCount() != 3 {
		t.Errorf("LoopCount() = %d, want 3", got.LoopCount())
	}
	frame1, _ := got.GetFrame(1)
	if d := frame1.FrameDurationMs(); d < 290 || d > 310 {
		t.Errorf("frame1 duration = %v, want ~300 (10ms GIF rounding)", d)
	}
}

func TestEncodeDecodeTransparency(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 4, false)
	src.SetPixelRGBA(0, 0, 255, 0, 0, 255)
	src.SetPixelRGBA(1, 0, 0, 0, 0, 0)
	src.SetPixelRGBA(0, 1, 0, 255, 0, 255)
	src.SetPixelRGBA(1, 1, 0, 0, 255, 255)

	var buf bytes.Buffer
	opts := Options{TransparencyThreshold: 10}
	if err := Encode(&buf, src, opts); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a := got.Buffer().GetA(1, 0); a != 0 {
		t.Errorf("A(1,0) = %v, want 0 (transparent)", a)
	}
	if a := got.Buffer().GetA(0, 0); a != 255 {
		t.Errorf("A(0,0) = %v, want 255 (opaque)", a)
	}
}

func TestEncodeSingleFrameOmitsSiblingsAndLoopExtension(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 3, false)
	src.SetPixelRGB(0, 0, 200, 10, 10)
	f2, _ := src.AddFrame(nil)
	f2.SetPixelRGB(1, 1, 10, 200, 10)

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{SingleFrame: true}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("NETSCAPE2.0")) {
		t.Error("SingleFrame output should not carry a NETSCAPE2.0 loop extension")
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NumFrames() != 1 {
		t.Fatalf("NumFrames() = %d, want 1", got.NumFrames())
	}
}

func TestEncodeSamplingFactorIsPassedThrough(t *testing.T) {
	src := raster.NewImage(8, 8, raster.FormatUint8, 3, false)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.SetPixelRGB(x, y, float64(x*30), float64(y*30), float64((x+y)*15))
		}
	}
	var buf bytes.Buffer
	// A coarse sampling factor must still produce a decodable GIF.
	if err := Encode(&buf, src, Options{SamplingFactor: 30}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := Decode(&buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestDecodeFrameWithNoColorTableFails(t *testing.T) {
	// Minimal GIF with no global colour table (packed field bit 0x80
	// unset) and an image descriptor whose local-colour-table bit is
	// also unset: the frame has no colour table at all.
	var buf bytes.Buffer
	buf.WriteString("GIF89a")
	buf.Write([]byte{1, 0, 1, 0, 0, 0, 0}) // LSD: 1x1, no GCT
	buf.WriteByte(0x2C)                    // image descriptor
	buf.Write([]byte{0, 0, 0, 0, 1, 0, 1, 0, 0})
	buf.WriteByte(2) // LZW min code size
	buf.WriteByte(0) // empty sub-block terminator (no image data)
	buf.WriteByte(0x3B)

	if _, _, err := Decode(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected a format error for a frame with neither a local nor a global colour table")
	}
}

func TestEncodeDecodeSingleFrameKeepsDimensions(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 3, false)
	src.SetPixelRGB(0, 0, 255, 255, 255)

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Width() != 2 || got.Height() != 2 {
		t.Fatalf("dims = %dx%d, want 2x2", got.Width(), got.Height())
	}
}
