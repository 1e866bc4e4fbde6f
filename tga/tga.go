// Package tga provides format detection for the Truevision TGA
// container. Pixel decoding is out of scope (spec.md §1); Decode
// returns ErrNotImplemented.
//
// TGA has no fixed magic signature (the header's first byte is an
// image-ID length, which is commonly zero but not guaranteed); this
// package matches on the common zero-ID-length, uncompressed or
// RLE-compressed truecolor/greyscale image-type byte instead, which is
// the heuristic every TGA sniffer in the ecosystem falls back to.
package tga

import (
	"fmt"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("tga", "\x00\x00\x02", decodeForRegistry, nil)
	raster.RegisterFormat("tga", "\x00\x00\x0a", decodeForRegistry, nil)
}

// ErrNotImplemented is returned by Decode: tga is a detection-only
// collaborator.
var ErrNotImplemented = fmt.Errorf("tga: pixel decoding is not implemented, only format detection")

// IsValid reports whether data looks like an uncompressed or
// RLE-compressed TGA with no image ID field.
func IsValid(data []byte) bool {
	if len(data) < 3 || data[0] != 0 {
		return false
	}
	return data[2] == 2 || data[2] == 10
}

// Decode always fails: see ErrNotImplemented.
func Decode(data []byte) (*raster.Image, error) {
	if !IsValid(data) {
		return nil, fmt.Errorf("tga: not a recognised TGA header")
	}
	return nil, ErrNotImplemented
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }
