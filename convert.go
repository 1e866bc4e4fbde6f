package raster

import "github.com/deepteams/imgcore/neuquant"

// ConvertOptions configures Convert. A nil/zero Format or NumChannels
// leaves that dimension unchanged from the source.
type ConvertOptions struct {
	Format      *FormatTag
	NumChannels *int

	// DefaultAlpha is used, normalised 0..1, as the synthesised alpha
	// value when the source has no alpha channel and the destination
	// does. It has no effect when the source already carries alpha.
	DefaultAlpha float64

	// WithPalette requests a palette-indexed destination buffer. The
	// palette is trained with NeuQuant on the source's frame 0 and, for
	// multi-frame sources, shared unchanged across every frame that is
	// converted.
	WithPalette bool

	// PaletteSize caps the number of palette entries trained when
	// WithPalette is set (default 256, the format maximum).
	PaletteSize int

	// SamplingFactor is passed through to neuquant.New (1..30, higher is
	// faster and coarser); 0 uses the neuquant default.
	SamplingFactor int

	// NoAnimation converts only frame 0, dropping any sibling frames.
	NoAnimation bool
}

// hasAlphaChannel reports whether b has a real (not synthesised) alpha
// channel: a >=4-channel palette, or a non-palette order with an alpha
// slot.
func hasAlphaChannel(b *Buffer) bool {
	if b.palette != nil {
		return b.palette.numChannels >= 4
	}
	return orderLayouts[b.order].a >= 0
}

// Convert returns a new Image with src's frame 0 (and, unless
// opts.NoAnimation, every sibling frame) converted to the requested
// format, channel count, and palette-indexedness. src is never
// modified.
//
// Per-pixel conversion normalises the source value by the source's
// governing maximum and rescales by the destination's, so integer
// narrowing/widening and integer<->float conversion round-trip through
// a common [0,1] domain; float destinations store the normalised value
// directly since their maximum is always 1.
func Convert(src *Image, opts ConvertOptions) *Image {
	frames := src.Frames()
	if opts.NoAnimation {
		frames = frames[:1]
	}

	dstFormat := src.Format()
	if opts.Format != nil {
		dstFormat = *opts.Format
	}
	dstChannels := src.NumChannels()
	if opts.NumChannels != nil {
		dstChannels = *opts.NumChannels
	}

	var pal *Palette
	var quant *neuquant.Network
	if opts.WithPalette {
		quant = trainPalette(frames[0], opts)
		pal = paletteFromNetwork(quant, dstFormat)
	}

	var out *Image
	for i, frame := range frames {
		converted := convertFrame(frame, dstFormat, dstChannels, opts, pal, quant)
		if i == 0 {
			out = converted
			out.frameDurationMs = 0
		} else {
			converted.frameDurationMs = frame.frameDurationMs
			converted.frameType = frame.frameType
			out.siblings = append(out.siblings, converted)
		}
	}
	out.meta = src.meta.clone()
	out.frameType = src.frameType
	if src.backgroundColor != nil {
		bg := *src.backgroundColor
		out.backgroundColor = &bg
	}
	return out
}

func trainPalette(frame0 *Image, opts ConvertOptions) *neuquant.Network {
	w, h := frame0.Width(), frame0.Height()
	pixels := make([]byte, 0, w*h*3)
	srcMax := frame0.buffer.channelMax()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels = append(pixels,
				to8(frame0.buffer.GetR(x, y), srcMax),
				to8(frame0.buffer.GetG(x, y), srcMax),
				to8(frame0.buffer.GetB(x, y), srcMax),
			)
		}
	}
	n := neuquant.New(pixels, opts.SamplingFactor, opts.PaletteSize)
	n.Process()
	return n
}

func to8(raw, max float64) byte {
	if max <= 0 {
		return 0
	}
	v := raw / max * 255
	return clampByte(v)
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v + 0.5)
}

func paletteFromNetwork(n *neuquant.Network, format FormatTag) *Palette {
	entries := n.Palette()
	p := NewPalette(len(entries), 4, FormatUint8)
	for i, e := range entries {
		p.SetRGBA(i, float64(e[0]), float64(e[1]), float64(e[2]), 255)
	}
	return p
}

// convertFrame converts one frame. When pal/quant are non-nil the
// destination is palette-indexed and every pixel is routed through
// quant.Lookup instead of per-channel renormalisation.
func convertFrame(src *Image, dstFormat FormatTag, dstChannels int, opts ConvertOptions, pal *Palette, quant *neuquant.Network) *Image {
	w, h := src.Width(), src.Height()
	srcBuf := src.buffer
	srcMax := srcBuf.channelMax()
	srcHasAlpha := hasAlphaChannel(srcBuf)

	if quant != nil {
		dst := NewBuffer(w, h, dstFormat, 1, true)
		dst.SetPalette(pal)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r := to8(srcBuf.GetR(x, y), srcMax)
				g := to8(srcBuf.GetG(x, y), srcMax)
				b := to8(srcBuf.GetB(x, y), srcMax)
				idx := quant.Lookup(r, g, b)
				dst.SetPixelIndex(x, y, float64(idx))
			}
		}
		return FromBuffer(dst)
	}

	dst := NewBuffer(w, h, dstFormat, dstChannels, false)
	dstMax := dst.channelMax()
	dstHasAlpha := hasAlphaChannel(dst)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r := srcBuf.GetR(x, y) / srcMax * dstMax
			g := srcBuf.GetG(x, y) / srcMax * dstMax
			b := srcBuf.GetB(x, y) / srcMax * dstMax
			var a float64
			switch {
			case srcHasAlpha:
				a = srcBuf.GetA(x, y) / srcMax * dstMax
			case dstHasAlpha:
				a = opts.DefaultAlpha * dstMax
			default:
				a = dstMax
			}
			dst.SetPixelRGBA(x, y, r, g, b, a)
		}
	}
	return FromBuffer(dst)
}
