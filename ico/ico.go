// Package ico provides format detection for the Windows icon container.
// Pixel decoding is out of scope (spec.md §1 lists every non-core
// container as a format-detection-only external collaborator); Decode
// returns ErrNotImplemented so that callers probing with
// raster.FindDecoderFor get an honest, documented failure rather than a
// silent misdecode.
package ico

import (
	"fmt"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("ico", "\x00\x00\x01\x00", decodeForRegistry, nil)
}

// ErrNotImplemented is returned by Decode: ico is a detection-only
// collaborator.
var ErrNotImplemented = fmt.Errorf("ico: pixel decoding is not implemented, only format detection")

// IsValid reports whether data begins with the ICO reserved/type/count
// header (reserved=0, type=1).
func IsValid(data []byte) bool {
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 1 && data[3] == 0
}

// Decode always fails: see ErrNotImplemented.
func Decode(data []byte) (*raster.Image, error) {
	if !IsValid(data) {
		return nil, fmt.Errorf("ico: not an ICO file")
	}
	return nil, ErrNotImplemented
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }
