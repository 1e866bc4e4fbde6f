package tga

import "testing"

func TestIsValid(t *testing.T) {
	if !IsValid([]byte{0, 0, 2, 0, 0}) {
		t.Fatal("expected uncompressed truecolor TGA header to be recognised")
	}
	if !IsValid([]byte{0, 0, 10, 0, 0}) {
		t.Fatal("expected RLE truecolor TGA header to be recognised")
	}
	if IsValid([]byte{1, 0, 2, 0, 0}) {
		t.Fatal("non-zero image ID length byte should not be recognised by this probe")
	}
}

func TestDecodeNotImplemented(t *testing.T) {
	_, err := Decode([]byte{0, 0, 2, 0, 0})
	if err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
