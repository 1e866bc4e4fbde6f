package psd

import "testing"

func TestIsValid(t *testing.T) {
	if !IsValid([]byte("8BPS\x00\x01")) {
		t.Fatal("expected 8BPS signature to be recognised")
	}
	if IsValid([]byte("8BIM")) {
		t.Fatal("resource-block signature must not be confused with the file signature")
	}
}

func TestDecodeNotImplemented(t *testing.T) {
	_, err := Decode([]byte("8BPS\x00\x01"))
	if err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
