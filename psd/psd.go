// Package psd provides format detection for the Adobe Photoshop
// document container. Pixel decoding is out of scope (spec.md §1);
// Decode returns ErrNotImplemented.
package psd

import (
	"fmt"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("psd", "8BPS", decodeForRegistry, nil)
}

// ErrNotImplemented is returned by Decode: psd is a detection-only
// collaborator.
var ErrNotImplemented = fmt.Errorf("psd: pixel decoding is not implemented, only format detection")

// IsValid reports whether data begins with the "8BPS" signature.
func IsValid(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "8BPS"
}

// Decode always fails: see ErrNotImplemented.
func Decode(data []byte) (*raster.Image, error) {
	if !IsValid(data) {
		return nil, fmt.Errorf("psd: not a PSD file")
	}
	return nil, ErrNotImplemented
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }
