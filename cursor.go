package raster

// Cursor is (image-ref, x, y): it produces r/g/b/a/index/luminance/
// maxChannelValue on demand by re-reading the backing buffer, and
// mutating it writes back immediately. A Cursor never reads or writes
// outside [0,width) x [0,height): out-of-range positions read as a
// sentinel all-zero pixel and writes are silent no-ops.
//
// Cursor is also the iteration primitive: Next advances it one pixel in
// row-major order, wrapping rows, and is the only iteration contract —
// it mutates the same Cursor in place rather than allocating a fresh
// one per step. Callers that need distinct positions must copy the
// values they read before calling Next again.
type Cursor struct {
	buf  *Buffer
	x, y int
}

// GetPixel returns a Cursor positioned at (x,y). The position is not
// bounds-checked here; accessors and mutators silently treat
// out-of-range positions per the sentinel/no-op contract.
func (b *Buffer) GetPixel(x, y int) *Cursor {
	return &Cursor{buf: b, x: x, y: y}
}

// Iterate returns a Cursor positioned just before the first pixel.
// Call Next to advance it to (0,0) and onward in row-major order.
func (b *Buffer) Iterate() *Cursor {
	return &Cursor{buf: b, x: -1, y: 0}
}

// X returns the cursor's current column.
func (c *Cursor) X() int { return c.x }

// Y returns the cursor's current row.
func (c *Cursor) Y() int { return c.y }

// OutOfRange reports whether the cursor's current position is outside
// the buffer's bounds.
func (c *Cursor) OutOfRange() bool { return !c.buf.inBounds(c.x, c.y) }

// Next advances the cursor one pixel in row-major order (x increasing
// fastest, then y), wrapping rows. It returns false once the cursor has
// passed the last pixel, at which point further reads return the
// sentinel zero pixel.
func (c *Cursor) Next() bool {
	c.x++
	if c.x >= c.buf.width {
		c.x = 0
		c.y++
	}
	return c.y < c.buf.height
}

func (c *Cursor) R() float64           { return c.buf.GetR(c.x, c.y) }
func (c *Cursor) G() float64           { return c.buf.GetG(c.x, c.y) }
func (c *Cursor) B() float64           { return c.buf.GetB(c.x, c.y) }
func (c *Cursor) A() float64           { return c.buf.GetA(c.x, c.y) }
func (c *Cursor) Index() float64       { return c.buf.GetIndex(c.x, c.y) }
func (c *Cursor) Luminance() float64   { return c.buf.GetLuminance(c.x, c.y) }
func (c *Cursor) MaxChannelValue() float64 { return c.buf.channelMax() }

func (c *Cursor) RNormalized() float64 { return c.buf.RNormalized(c.x, c.y) }
func (c *Cursor) GNormalized() float64 { return c.buf.GNormalized(c.x, c.y) }
func (c *Cursor) BNormalized() float64 { return c.buf.BNormalized(c.x, c.y) }
func (c *Cursor) ANormalized() float64 { return c.buf.ANormalized(c.x, c.y) }

func (c *Cursor) SetRGB(r, g, b float64)     { c.buf.SetPixelRGB(c.x, c.y, r, g, b) }
func (c *Cursor) SetRGBA(r, g, b, a float64) { c.buf.SetPixelRGBA(c.x, c.y, r, g, b, a) }
func (c *Cursor) SetR(r float64)             { c.buf.SetPixelR(c.x, c.y, r) }
func (c *Cursor) SetIndex(v float64)         { c.buf.SetPixelIndex(c.x, c.y, v) }

// RangeCursor is a bounded sub-image cursor produced by Buffer.GetRange.
type RangeCursor struct {
	buf            *Buffer
	x0, y0, w, h   int
	relX, relY     int
}

// GetRange returns a cursor bounded to the sub-rectangle
// [x0,x0+w) x [y0,y0+h), positioned just before its first pixel.
func (b *Buffer) GetRange(x0, y0, w, h int) *RangeCursor {
	return &RangeCursor{buf: b, x0: x0, y0: y0, w: w, h: h, relX: -1, relY: 0}
}

// Next advances the range cursor one pixel in row-major order within
// its sub-rectangle, wrapping rows. It returns false once the cursor
// has passed the sub-rectangle's last pixel.
func (r *RangeCursor) Next() bool {
	r.relX++
	if r.relX >= r.w {
		r.relX = 0
		r.relY++
	}
	return r.relY < r.h
}

func (r *RangeCursor) X() int { return r.x0 + r.relX }
func (r *RangeCursor) Y() int { return r.y0 + r.relY }

func (r *RangeCursor) R() float64         { return r.buf.GetR(r.X(), r.Y()) }
func (r *RangeCursor) G() float64         { return r.buf.GetG(r.X(), r.Y()) }
func (r *RangeCursor) B() float64         { return r.buf.GetB(r.X(), r.Y()) }
func (r *RangeCursor) A() float64         { return r.buf.GetA(r.X(), r.Y()) }
func (r *RangeCursor) Index() float64     { return r.buf.GetIndex(r.X(), r.Y()) }
func (r *RangeCursor) Luminance() float64 { return r.buf.GetLuminance(r.X(), r.Y()) }

func (r *RangeCursor) SetRGB(red, g, b float64) { r.buf.SetPixelRGB(r.X(), r.Y(), red, g, b) }
func (r *RangeCursor) SetRGBA(red, g, b, a float64) {
	r.buf.SetPixelRGBA(r.X(), r.Y(), red, g, b, a)
}
