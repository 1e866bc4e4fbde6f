// Package gif decodes and encodes GIF images (including animated GIFs)
// into and from raster.Image. Decoded images are always RGBA Uint8,
// regardless of the source's colour-table bit depth, since each frame
// may carry its own local colour table and GIF's disposal methods are
// easiest to apply in a direct colour domain; encoding always builds a
// single global colour table (via neuquant) shared across every frame.
package gif

import (
	"bytes"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("gif", "GIF8?a", decodeForRegistry, encodeForRegistry)
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

// DisposalMethod is the graphic control extension's disposal_method
// field (GIF89a section 23).
type DisposalMethod uint8

const (
	DisposalUnspecified DisposalMethod = 0
	DisposalNone        DisposalMethod = 1
	DisposalBackground  DisposalMethod = 2
	DisposalPrevious    DisposalMethod = 3
)

// Options configures Encode.
type Options struct {
	// NumColors caps the shared global colour table's size (default
	// 256, the format maximum).
	NumColors int
	// SamplingFactor is passed through to the neuquant trainer (1..30,
	// higher is faster and coarser). 0 picks the default: 10 for a
	// single-frame image, 30 for an animation, trading palette fidelity
	// for training speed across the larger pixel population.
	SamplingFactor int
	// LoopCount is written as a NETSCAPE2.0 application extension; 0
	// means loop forever, matching the GIF convention.
	LoopCount uint16
	// TransparencyThreshold: source pixels with alpha at or below this
	// (1..255) encode as the transparent index. 0 (the zero value) and
	// any negative value disable transparency entirely.
	TransparencyThreshold int
	// SingleFrame, if set, writes only frame 0 even when img carries
	// sibling frames, and omits the NETSCAPE2.0 loop extension.
	SingleFrame bool
}

// DecodeResult carries warnings encountered while decoding, per the
// same "warn, don't fail" convention as the png package.
type DecodeResult struct {
	Warnings []string
}
