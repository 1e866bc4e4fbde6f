package raster

// resolveSlot returns the storage slot backing logical channel which
// ('r','g','b','a') under layout l, or -1 if that channel has no
// backing slot. L/LA layouts (l.luma) route r/g/b to the same slot.
func resolveSlot(l layout, which byte) int {
	switch which {
	case 'r', 'g', 'b':
		if l.luma {
			return l.r
		}
		switch which {
		case 'r':
			return l.r
		case 'g':
			return l.g
		default:
			return l.b
		}
	case 'a':
		return l.a
	}
	return -1
}

// channelMax returns the maximum channel value governing normalisation
// for this buffer: the palette's format max for indexed buffers, or the
// buffer's own format max otherwise.
func (b *Buffer) channelMax() float64 {
	if b.palette != nil {
		return b.palette.format.MaxValue()
	}
	return b.format.MaxValue()
}

// GetIndex returns the raw stored value of channel slot 0. For
// palette-indexed buffers this is the palette index; for ordinary
// buffers it is the raw value of the first channel.
func (b *Buffer) GetIndex(x, y int) float64 { return b.rawGet(x, y, 0) }

// SetPixelIndex writes the raw index/first-channel value directly,
// bypassing any R/G/B/A semantics. This is the non-surprising
// counterpart to SetPixelRGB's documented index-write behaviour on
// palette images.
func (b *Buffer) SetPixelIndex(x, y int, v float64) { b.rawSet(x, y, 0, v) }

// GetR returns the raw (non-normalised) red/luminance channel value at
// (x,y), resolved through the palette if the buffer is indexed.
func (b *Buffer) GetR(x, y int) float64 {
	if !b.inBounds(x, y) {
		return 0
	}
	if b.palette != nil {
		return b.palette.GetChannel(int(b.GetIndex(x, y)), 'r')
	}
	slot := resolveSlot(orderLayouts[b.order], 'r')
	if slot < 0 {
		return 0
	}
	return b.rawGet(x, y, slot)
}

// GetG returns the raw green/luminance channel value at (x,y).
func (b *Buffer) GetG(x, y int) float64 {
	if !b.inBounds(x, y) {
		return 0
	}
	if b.palette != nil {
		return b.palette.GetChannel(int(b.GetIndex(x, y)), 'g')
	}
	slot := resolveSlot(orderLayouts[b.order], 'g')
	if slot < 0 {
		return 0
	}
	return b.rawGet(x, y, slot)
}

// GetB returns the raw blue/luminance channel value at (x,y).
func (b *Buffer) GetB(x, y int) float64 {
	if !b.inBounds(x, y) {
		return 0
	}
	if b.palette != nil {
		return b.palette.GetChannel(int(b.GetIndex(x, y)), 'b')
	}
	slot := resolveSlot(orderLayouts[b.order], 'b')
	if slot < 0 {
		return 0
	}
	return b.rawGet(x, y, slot)
}

// GetA returns the raw alpha channel value at (x,y). Buffers (or
// palette entries) with no alpha channel are treated as fully opaque:
// the format's maximum channel value is returned. Out-of-range (x,y)
// reads 0.
func (b *Buffer) GetA(x, y int) float64 {
	if !b.inBounds(x, y) {
		return 0
	}
	if b.palette != nil {
		if b.palette.numChannels < 4 {
			return b.palette.format.MaxValue()
		}
		return b.palette.GetChannel(int(b.GetIndex(x, y)), 'a')
	}
	slot := resolveSlot(orderLayouts[b.order], 'a')
	if slot < 0 {
		return b.format.MaxValue()
	}
	return b.rawGet(x, y, slot)
}

// GetLuminance returns the weighted 0.299r+0.587g+0.114b luminance at
// (x,y) in the same raw domain as GetR/GetG/GetB (the coefficients sum
// to 1, so no rescale is needed).
func (b *Buffer) GetLuminance(x, y int) float64 {
	return 0.299*b.GetR(x, y) + 0.587*b.GetG(x, y) + 0.114*b.GetB(x, y)
}

// RNormalized, GNormalized, BNormalized, ANormalized return the
// corresponding raw channel divided by the governing maximum value.
func (b *Buffer) RNormalized(x, y int) float64 { return b.GetR(x, y) / b.channelMax() }
func (b *Buffer) GNormalized(x, y int) float64 { return b.GetG(x, y) / b.channelMax() }
func (b *Buffer) BNormalized(x, y int) float64 { return b.GetB(x, y) / b.channelMax() }
func (b *Buffer) ANormalized(x, y int) float64 { return b.GetA(x, y) / b.channelMax() }

// SetPixelR writes the raw value into channel slot 0. For palette
// buffers this is the index channel; for 1-channel (L/Red) buffers it
// is the only stored channel.
func (b *Buffer) SetPixelR(x, y int, r float64) { b.rawSet(x, y, 0, r) }

// SetPixelRGB writes r,g,b into the buffer's colour channels, leaving
// any alpha channel untouched.
//
// On palette-indexed buffers this does NOT look up or write a colour:
// per the documented surprise (preserved for PNG/GIF encoder
// compatibility), it writes r into the index channel exactly as
// SetPixelR/SetPixelIndex would. Use SetPixelIndex if that is not what
// you want.
func (b *Buffer) SetPixelRGB(x, y int, r, g, bl float64) {
	if b.palette != nil {
		b.SetPixelR(x, y, r)
		return
	}
	l := orderLayouts[b.order]
	if l.luma {
		b.rawSet(x, y, l.r, 0.299*r+0.587*g+0.114*bl)
		return
	}
	if l.r >= 0 {
		b.rawSet(x, y, l.r, r)
	}
	if l.g >= 0 {
		b.rawSet(x, y, l.g, g)
	}
	if l.b >= 0 {
		b.rawSet(x, y, l.b, bl)
	}
}

// SetPixelRGBA writes r,g,b,a into the buffer. On palette-indexed
// buffers it writes r into the index channel, the same surprise as
// SetPixelRGB.
func (b *Buffer) SetPixelRGBA(x, y int, r, g, bl, a float64) {
	if b.palette != nil {
		b.SetPixelR(x, y, r)
		return
	}
	l := orderLayouts[b.order]
	if l.luma {
		b.rawSet(x, y, l.r, 0.299*r+0.587*g+0.114*bl)
		if l.a >= 0 {
			b.rawSet(x, y, l.a, a)
		}
		return
	}
	if l.r >= 0 {
		b.rawSet(x, y, l.r, r)
	}
	if l.g >= 0 {
		b.rawSet(x, y, l.g, g)
	}
	if l.b >= 0 {
		b.rawSet(x, y, l.b, bl)
	}
	if l.a >= 0 {
		b.rawSet(x, y, l.a, a)
	}
}
