// Package png decodes and encodes PNG and APNG images into and from
// raster.Image. Single-frame PNGs decode to a one-frame Image; a stream
// carrying an acTL chunk decodes to a multi-frame Image whose frames
// and frame durations come from the fcTL chunks, in fcTL sequence
// order.
package png

import (
	"bytes"
	"fmt"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("png", string(Signature[:]), decodeForRegistry, encodeForRegistry)
}

func decodeForRegistry(data []byte) (*raster.Image, error) {
	img, _, err := Decode(bytes.NewReader(data))
	return img, err
}

func encodeForRegistry(img *raster.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, Options{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ColorType is the PNG IHDR colour type byte.
type ColorType uint8

const (
	ColorGrayscale      ColorType = 0
	ColorTrueColor      ColorType = 2
	ColorPaletted       ColorType = 3
	ColorGrayscaleAlpha ColorType = 4
	ColorTrueColorAlpha ColorType = 6
)

func (c ColorType) channels() int {
	switch c {
	case ColorGrayscale, ColorPaletted:
		return 1
	case ColorGrayscaleAlpha:
		return 2
	case ColorTrueColor:
		return 3
	case ColorTrueColorAlpha:
		return 4
	}
	return 0
}

// Filter types, per the PNG spec, section 9.2.
const (
	ftNone = iota
	ftSub
	ftUp
	ftAverage
	ftPaeth
	nFilter
)

// DisposeOp is the APNG fcTL dispose_op.
type DisposeOp uint8

const (
	DisposeNone       DisposeOp = 0
	DisposeBackground DisposeOp = 1
	DisposePrevious   DisposeOp = 2
)

// BlendOp is the APNG fcTL blend_op.
type BlendOp uint8

const (
	BlendSource BlendOp = 0
	BlendOver   BlendOp = 1
)

// FilterType selects the PNG row-filter algorithm (spec section 9.2).
// FilterAuto, the zero value, picks per row by the minimum
// absolute-sum heuristic (the same one libpng's encoder uses); any
// other value forces that filter for every row of every frame.
type FilterType int

const (
	FilterAuto FilterType = iota
	FilterNone
	FilterSub
	FilterUp
	FilterAverage
	FilterPaeth
)

// Options configures Encode.
type Options struct {
	// CompressionLevel is a zlib level: 0 (the zero value) uses the
	// default level (6); 1..9 request that literal zlib level; the
	// negative internal/deflate named constants (NoCompression,
	// BestSpeed, BestCompression) are also accepted.
	CompressionLevel int
	// Filter forces a single row filter for every scanline; the
	// default, FilterAuto, chooses per row.
	Filter FilterType
	// Interlace is currently inert: Encode always writes a
	// non-interlaced (Adam7 method 0) image. Decode fully supports
	// interlaced input regardless of this field.
	Interlace bool
	// SkipICC, SkipText, SkipPHYS suppress the corresponding metadata
	// chunk. By default (false) metadata present on the image is emitted.
	SkipICC, SkipText, SkipPHYS bool
}

// DecodeResult carries a decoded image plus any non-fatal chunk
// problems encountered, per the documented "bad CRC warns, does not
// fail" decision.
type DecodeResult struct {
	Warnings []string
}

func (r *DecodeResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
