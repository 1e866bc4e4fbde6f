package raster

// FrameType distinguishes an animation sequence (GIF/APNG) from a
// multi-page document (TIFF/ICO).
type FrameType int

const (
	FrameTypeSequence FrameType = iota
	FrameTypePage
)

// ICCProfile preserves an ICC colour profile as opaque bytes: this
// library does not interpret colour profiles, only carries them
// through decode/encode.
type ICCProfile struct {
	CompressionFlag uint8
	Data            []byte
}

// PixelDims is the PNG pHYs chunk's physical pixel dimensions.
type PixelDims struct {
	PPUX, PPUY uint32
	Unit       uint8 // 0 = unspecified, 1 = metre
}

// Color is a raw-domain RGBA colour, used for background colours,
// outside the context of any particular Buffer's format.
type Color struct {
	R, G, B, A float64
}

// Metadata holds the non-pixel information an Image carries: EXIF/ICC
// bytes (preserved opaquely), a free-form text map, physical pixel
// dimensions, and animation loop count.
type Metadata struct {
	EXIF      []byte
	ICC       *ICCProfile
	Text      map[string]string
	PixelDims *PixelDims
	LoopCount uint16
}

func newMetadata() Metadata {
	return Metadata{Text: make(map[string]string)}
}

func (m Metadata) clone() Metadata {
	out := Metadata{LoopCount: m.LoopCount}
	if m.EXIF != nil {
		out.EXIF = append([]byte(nil), m.EXIF...)
	}
	if m.ICC != nil {
		out.ICC = &ICCProfile{CompressionFlag: m.ICC.CompressionFlag, Data: append([]byte(nil), m.ICC.Data...)}
	}
	out.Text = make(map[string]string, len(m.Text))
	for k, v := range m.Text {
		out.Text[k] = v
	}
	if m.PixelDims != nil {
		pd := *m.PixelDims
		out.PixelDims = &pd
	}
	return out
}

// Image composes a primary pixel Buffer with optional palette (carried
// by the Buffer itself), metadata, and an ordered list of sibling
// frames. Every sibling frame is itself an Image sharing the primary's
// (width, height, format, numChannels, hasPalette); the primary is
// frame 0. An Image owns its buffer, palette, and frames exclusively —
// cloning duplicates, there is no cross-image storage sharing.
type Image struct {
	buffer *Buffer

	meta            Metadata
	frameDurationMs uint32
	frameType       FrameType
	backgroundColor *Color

	siblings []*Image
}

// NewImage allocates a new Image whose primary buffer is a zeroed
// width x height plane in the given format/channels/palette.
func NewImage(width, height int, format FormatTag, numChannels int, withPalette bool) *Image {
	return &Image{
		buffer: NewBuffer(width, height, format, numChannels, withPalette),
		meta:   newMetadata(),
	}
}

// FromBuffer wraps an existing Buffer as a new Image's primary frame.
func FromBuffer(buf *Buffer) *Image {
	return &Image{buffer: buf, meta: newMetadata()}
}

func (img *Image) Buffer() *Buffer       { return img.buffer }
func (img *Image) Width() int            { return img.buffer.Width() }
func (img *Image) Height() int           { return img.buffer.Height() }
func (img *Image) Format() FormatTag     { return img.buffer.Format() }
func (img *Image) NumChannels() int      { return img.buffer.NumChannels() }
func (img *Image) HasPalette() bool      { return img.buffer.HasPalette() }
func (img *Image) Palette() *Palette     { return img.buffer.Palette() }
func (img *Image) SetPalette(p *Palette) { img.buffer.SetPalette(p) }

func (img *Image) Metadata() *Metadata       { return &img.meta }
func (img *Image) FrameDurationMs() uint32   { return img.frameDurationMs }
func (img *Image) SetFrameDurationMs(ms uint32) { img.frameDurationMs = ms }
func (img *Image) FrameType() FrameType      { return img.frameType }
func (img *Image) SetFrameType(t FrameType)  { img.frameType = t }
func (img *Image) BackgroundColor() *Color   { return img.backgroundColor }
func (img *Image) SetBackgroundColor(c Color) { img.backgroundColor = &c }
func (img *Image) LoopCount() uint16         { return img.meta.LoopCount }
func (img *Image) SetLoopCount(n uint16)     { img.meta.LoopCount = n }

// GetPixel returns a Cursor over the primary buffer at (x,y).
func (img *Image) GetPixel(x, y int) *Cursor { return img.buffer.GetPixel(x, y) }

func (img *Image) SetPixelRGB(x, y int, r, g, b float64) { img.buffer.SetPixelRGB(x, y, r, g, b) }
func (img *Image) SetPixelRGBA(x, y int, r, g, b, a float64) {
	img.buffer.SetPixelRGBA(x, y, r, g, b, a)
}
func (img *Image) SetPixelR(x, y int, r float64) { img.buffer.SetPixelR(x, y, r) }

// Clear fills the primary buffer with colour, converted to the image's
// format and channel count.
func (img *Image) Clear(c Color) { img.buffer.Clear(c.R, c.G, c.B, c.A) }

// GetBytes returns a copy of the primary buffer's raw storage, with
// channels reordered to order if supplied.
func (img *Image) GetBytes(order *ChannelOrder) []byte { return img.buffer.GetBytes(order) }

// frameShape is the tuple that every sibling frame of an Image must
// share with frame 0, per invariant 2 in spec.md §3.
type frameShape struct {
	width, height, numChannels int
	format                     FormatTag
	hasPalette                 bool
}

func (img *Image) shape() frameShape {
	return frameShape{
		width:       img.Width(),
		height:      img.Height(),
		numChannels: img.NumChannels(),
		format:      img.Format(),
		hasPalette:  img.HasPalette(),
	}
}

// AddFrame appends frame as a sibling and returns it. If frame is nil,
// a new blank Image sharing frame 0's shape is allocated and appended.
// Appending a frame whose (width, height, format, numChannels,
// hasPalette) differs from frame 0's is a usage error.
func (img *Image) AddFrame(frame *Image) (*Image, error) {
	if frame == nil {
		frame = NewImage(img.Width(), img.Height(), img.Format(), img.NumChannels(), img.HasPalette())
	}
	if frame.shape() != img.shape() {
		return nil, usageError("AddFrame", ErrFrameMismatch)
	}
	img.siblings = append(img.siblings, frame)
	return frame, nil
}

// Frames returns the ordered list of frames: frame 0 is the Image
// itself, followed by every appended sibling in insertion order. For
// APNG and GIF sources, insertion order equals decode-stream order.
func (img *Image) Frames() []*Image {
	out := make([]*Image, 0, len(img.siblings)+1)
	out = append(out, img)
	out = append(out, img.siblings...)
	return out
}

// NumFrames returns len(img.Frames()).
func (img *Image) NumFrames() int { return len(img.siblings) + 1 }

// GetFrame returns frame i (0 == the Image itself). An out-of-range
// index is a usage error.
func (img *Image) GetFrame(i int) (*Image, error) {
	frames := img.Frames()
	if i < 0 || i >= len(frames) {
		return nil, usageError("GetFrame", ErrFrameIndexOOR)
	}
	return frames[i], nil
}

// Clone deep-copies the Image: its buffer, palette, metadata, and every
// sibling frame (recursively cloned, each a standalone Image with no
// sibling list of its own to avoid unbounded nesting on round trips).
func (img *Image) Clone() *Image {
	out := &Image{
		buffer:          img.buffer.Clone(),
		meta:            img.meta.clone(),
		frameDurationMs: img.frameDurationMs,
		frameType:       img.frameType,
	}
	if img.backgroundColor != nil {
		c := *img.backgroundColor
		out.backgroundColor = &c
	}
	out.siblings = make([]*Image, len(img.siblings))
	for i, s := range img.siblings {
		clone := &Image{
			buffer:          s.buffer.Clone(),
			meta:            s.meta.clone(),
			frameDurationMs: s.frameDurationMs,
			frameType:       s.frameType,
		}
		if s.backgroundColor != nil {
			c := *s.backgroundColor
			clone.backgroundColor = &c
		}
		out.siblings[i] = clone
	}
	return out
}
