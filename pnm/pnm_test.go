package pnm

import (
	"bytes"
	"testing"
)

func TestDecodePlainPGM(t *testing.T) {
	src := []byte("P2\n2 2\n255\n0 255\n128 64\n")
	img, err := Decode(src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Width() != 2 || img.Height() != 2 {
		t.Fatalf("got %dx%d, want 2x2", img.Width(), img.Height())
	}
	buf := img.Buffer()
	if got := buf.GetR(0, 0); got != 0 {
		t.Errorf("pixel(0,0) = %v, want 0", got)
	}
	if got := buf.GetR(1, 0); got != 255 {
		t.Errorf("pixel(1,0) = %v, want 255", got)
	}
}

func TestDecodeRawPPMEncodeRoundTrip(t *testing.T) {
	header := []byte("P6\n2 1\n255\n")
	pixels := []byte{255, 0, 0, 0, 255, 0}
	src := append(append([]byte{}, header...), pixels...)

	img, err := Decode(src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	buf := img.Buffer()
	if buf.GetR(0, 0) != 255 || buf.GetG(0, 0) != 0 || buf.GetB(0, 0) != 0 {
		t.Errorf("pixel(0,0) = %v,%v,%v, want 255,0,0", buf.GetR(0, 0), buf.GetG(0, 0), buf.GetB(0, 0))
	}
	if buf.GetR(1, 0) != 0 || buf.GetG(1, 0) != 255 || buf.GetB(1, 0) != 0 {
		t.Errorf("pixel(1,0) = %v,%v,%v, want 0,255,0", buf.GetR(1, 0), buf.GetG(1, 0), buf.GetB(1, 0))
	}

	out, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img2, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode(Encode(img)): %v", err)
	}
	buf2 := img2.Buffer()
	if buf2.GetR(0, 0) != 255 || buf2.GetG(1, 0) != 255 {
		t.Fatal("round trip through Encode/Decode changed pixel values")
	}
}

func TestDecodeBitmapRaw(t *testing.T) {
	// P4: 8x1, one packed byte, MSB first; bit=1 means black (0).
	src := []byte("P4\n8 1\n")
	src = append(src, 0b10100000)
	img, err := Decode(src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	buf := img.Buffer()
	if buf.GetR(0, 0) != 0 {
		t.Errorf("pixel(0,0) should be black (bit=1), got %v", buf.GetR(0, 0))
	}
	if buf.GetR(1, 0) != 255 {
		t.Errorf("pixel(1,0) should be white (bit=0), got %v", buf.GetR(1, 0))
	}
	if buf.GetR(2, 0) != 0 {
		t.Errorf("pixel(2,0) should be black (bit=1), got %v", buf.GetR(2, 0))
	}
}

func TestDecodeUnrecognisedMagic(t *testing.T) {
	if _, err := Decode(bytes.NewBufferString("P9\n").Bytes()); err == nil {
		t.Fatal("expected an error for an unrecognised magic number")
	}
}
