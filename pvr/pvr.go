// Package pvr provides format detection for the PowerVR texture
// container (both the legacy V2 "PVR!" header and the V3 "PVR\x03"
// header). Pixel decoding is out of scope (spec.md §1); Decode returns
// ErrNotImplemented.
package pvr

import (
	"fmt"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("pvr", "PVR\x03", decodeForRegistry, nil)
	raster.RegisterFormat("pvr", "PVR!", decodeForRegistry, nil)
}

// ErrNotImplemented is returned by Decode: pvr is a detection-only
// collaborator.
var ErrNotImplemented = fmt.Errorf("pvr: pixel decoding is not implemented, only format detection")

// IsValid reports whether data begins with a V2 or V3 PVR signature.
func IsValid(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return string(data[:4]) == "PVR\x03" || string(data[:4]) == "PVR!"
}

// Decode always fails: see ErrNotImplemented.
func Decode(data []byte) (*raster.Image, error) {
	if !IsValid(data) {
		return nil, fmt.Errorf("pvr: not a recognised PVR header")
	}
	return nil, ErrNotImplemented
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }
