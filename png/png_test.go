package png

import (
	"bytes"
	"testing"

	"github.com/deepteams/imgcore"
)

func TestEncodeDecodeRoundTripRGB(t *testing.T) {
	src := raster.NewImage(4, 3, raster.FormatUint8, 3, false)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			src.SetPixelRGB(x, y, float64(x*50), float64(y*80), float64((x+y)*10))
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
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			wantR, wantG, wantB := float64(x*50), float64(y*80), float64((x+y)*10)
			if r := got.Buffer().GetR(x, y); r != wantR {
				t.Errorf("R(%d,%d) = %v, want %v", x, y, r, wantR)
			}
			if g := got.Buffer().GetG(x, y); g != wantG {
				t.Errorf("G(%d,%d) = %v, want %v", x, y, g, wantG)
			}
			if b := got.Buffer().GetB(x, y); b != wantB {
				t.Errorf("B(%d,%d) = %v, want %v", x, y, b, wantB)
			}
		}
	}
}

func TestEncodeDecodeRoundTripRGBA(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 4, false)
	src.SetPixelRGBA(0, 0, 255, 0, 0, 128)
	src.SetPixelRGBA(1, 1, 0, 255, 0, 0)

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a := got.Buffer().GetA(0, 0); a != 128 {
		t.Errorf("A(0,0) = %v, want 128", a)
	}
	if a := got.Buffer().GetA(1, 1); a != 0 {
		t.Errorf("A(1,1) = %v, want 0", a)
	}
}

func TestEncodeDecodeRoundTripPalette(t *testing.T) {
	src := raster.NewImage(3, 3, raster.FormatUint8, 1, true)
	pal := src.Palette()
	pal.SetRGBA(0, 0, 0, 0, 255)
	pal.SetRGBA(1, 255, 0, 0, 255)
	pal.SetRGBA(2, 0, 255, 0, 128)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			src.Buffer().SetPixelIndex(x, y, float64((x+y)%3))
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.HasPalette() {
		t.Fatal("expected palette-indexed decode")
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			want := float64((x + y) % 3)
			if idx := got.Buffer().GetIndex(x, y); idx != want {
				t.Errorf("Index(%d,%d) = %v, want %v", x, y, idx, want)
			}
		}
	}
	if a := got.Palette().GetChannel(2, 'a'); a != 128 {
		t.Errorf("palette[2].a = %v, want 128 (tRNS round trip)", a)
	}
}

func TestEncodeDecodeAnimated(t *testing.T) {
	src := raster.NewImage(2, 2, raster.FormatUint8, 3, false)
	src.SetPixelRGB(0, 0, 10, 20, 30)
	src.SetFrameDurationMs(100)
	f2, _ := src.AddFrame(nil)
	f2.SetPixelRGB(1, 1, 200, 150, 50)
	f2.SetFrameDurationMs(250)

	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NumFrames() != 2 {
		t.Fatalf("NumFrames() = %d, want 2", got.NumFrames())
	}
	frame1, _ := got.GetFrame(1)
	if r := frame1.Buffer().GetR(1, 1); r != 200 {
		t.Errorf("frame1 R(1,1) = %v, want 200", r)
	}
	if d := frame1.FrameDurationMs(); d != 250 {
		t.Errorf("frame1 duration = %v, want 250", d)
	}
}

func TestDecodeBadCRCWarns(t *testing.T) {
	src := raster.NewImage(1, 1, raster.FormatUint8, 3, false)
	var buf bytes.Buffer
	if err := Encode(&buf, src, Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	corrupted := buf.Bytes()
	// Flip a byte inside the last chunk's CRC field without touching
	// the signature or the IHDR that Decode depends on structurally.
	corrupted[len(corrupted)-1] ^= 0xff

	_, res, err := Decode(bytes.NewReader(corrupted))
	if err != nil {
		t.Fatalf("Decode returned error for bad CRC, want warning: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a CRC warning")
	}
}

func TestEncodeEveryForcedFilterRoundTrips(t *testing.T) {
	src := raster.NewImage(5, 4, raster.FormatUint8, 3, false)
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			src.SetPixelRGB(x, y, float64(x*37%256), float64(y*53%256), float64((x*y)%256))
		}
	}

	filters := []FilterType{FilterAuto, FilterNone, FilterSub, FilterUp, FilterAverage, FilterPaeth}
	for _, f := range filters {
		var buf bytes.Buffer
		if err := Encode(&buf, src, Options{Filter: f}); err != nil {
			t.Fatalf("Encode(filter=%v): %v", f, err)
		}
		got, _, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode(filter=%v): %v", f, err)
		}
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				if got.Buffer().GetR(x, y) != src.Buffer().GetR(x, y) ||
					got.Buffer().GetG(x, y) != src.Buffer().GetG(x, y) ||
					got.Buffer().GetB(x, y) != src.Buffer().GetB(x, y) {
					t.Fatalf("filter=%v: pixel (%d,%d) mismatch", f, x, y)
				}
			}
		}
	}
}

func TestEncodeCompressionLevelsAllRoundTrip(t *testing.T) {
	src := raster.NewImage(3, 3, raster.FormatUint8, 3, false)
	src.SetPixelRGB(1, 1, 200, 10, 5)

	for level := 0; level <= 9; level++ {
		var buf bytes.Buffer
		if err := Encode(&buf, src, Options{CompressionLevel: level}); err != nil {
			t.Fatalf("Encode(level=%d): %v", level, err)
		}
		got, _, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode(level=%d): %v", level, err)
		}
		if got.Buffer().GetR(1, 1) != 200 {
			t.Fatalf("level=%d: pixel mismatch", level)
		}
	}
}
