package png

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deepteams/imgcore"
	"github.com/deepteams/imgcore/internal/deflate"
)

// Encode writes img to w as a PNG, or as an APNG if img carries more
// than one frame. Source formats other than Uint8/Uint16 are
// transparently downsampled to Uint8 (Uint16 if the source is HDR)
// before encoding, since PNG has no wider native sample type.
func Encode(w io.Writer, img *raster.Image, opts Options) error {
	level := deflate.Level(opts.CompressionLevel)

	encImg := img
	buf := img.Buffer()
	if !buf.HasPalette() && buf.Format() != raster.FormatUint8 && buf.Format() != raster.FormatUint16 {
		target := raster.FormatUint8
		if buf.Format().IsHDR() {
			target = raster.FormatUint16
		}
		encImg = raster.Convert(img, raster.ConvertOptions{Format: &target, DefaultAlpha: 1})
		buf = encImg.Buffer()
	} else if buf.HasPalette() {
		switch buf.Format().ElementBits() {
		case 1, 2, 4, 8:
		default:
			f8 := raster.FormatUint8
			encImg = raster.Convert(img, raster.ConvertOptions{WithPalette: true, Format: &f8, DefaultAlpha: 1})
			buf = encImg.Buffer()
		}
	}

	colorType, bitDepth := pngColorType(buf)

	if _, err := w.Write(Signature[:]); err != nil {
		return err
	}
	if err := writeIHDR(w, buf.Width(), buf.Height(), bitDepth, colorType); err != nil {
		return err
	}

	if buf.HasPalette() {
		if err := writePLTEAndTRNS(w, buf.Palette()); err != nil {
			return err
		}
	}

	meta := encImg.Metadata()
	if !opts.SkipPHYS && meta.PixelDims != nil {
		var b [9]byte
		binary.BigEndian.PutUint32(b[0:4], meta.PixelDims.PPUX)
		binary.BigEndian.PutUint32(b[4:8], meta.PixelDims.PPUY)
		b[8] = meta.PixelDims.Unit
		if err := writeChunk(w, "pHYs", b[:]); err != nil {
			return err
		}
	}
	if !opts.SkipICC && meta.ICC != nil && len(meta.ICC.Data) > 0 {
		compressed, err := deflate.Compress(meta.ICC.Data, level)
		if err != nil {
			return err
		}
		chunk := append([]byte("profile"), 0, 0)
		chunk = append(chunk, compressed...)
		if err := writeChunk(w, "iCCP", chunk); err != nil {
			return err
		}
	}
	if !opts.SkipText {
		for k, v := range meta.Text {
			chunk := append([]byte(k), 0)
			chunk = append(chunk, []byte(v)...)
			if err := writeChunk(w, "tEXt", chunk); err != nil {
				return err
			}
		}
	}

	frames := encImg.Frames()
	animated := len(frames) > 1

	if animated {
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], uint32(len(frames)))
		binary.BigEndian.PutUint32(b[4:8], uint32(encImg.LoopCount()))
		if err := writeChunk(w, "acTL", b[:]); err != nil {
			return err
		}
	}

	seq := uint32(0)
	for i, frame := range frames {
		fb := frame.Buffer()
		if animated {
			if err := writeFCTL(w, seq, fb.Width(), fb.Height(), 0, 0, frame.FrameDurationMs(), DisposeNone, BlendSource); err != nil {
				return err
			}
			seq++
		}

		payload, err := encodeFramePixels(fb, colorType, bitDepth, level, opts.Filter)
		if err != nil {
			return err
		}
		if i == 0 {
			if err := writeChunk(w, "IDAT", payload); err != nil {
				return err
			}
		} else {
			fdat := make([]byte, 4+len(payload))
			binary.BigEndian.PutUint32(fdat[:4], seq)
			copy(fdat[4:], payload)
			seq++
			if err := writeChunk(w, "fdAT", fdat); err != nil {
				return err
			}
		}
	}

	return writeChunk(w, "IEND", nil)
}

func writeIHDR(w io.Writer, width, height int, bitDepth uint8, colorType ColorType) error {
	var b [13]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(width))
	binary.BigEndian.PutUint32(b[4:8], uint32(height))
	b[8] = bitDepth
	b[9] = byte(colorType)
	b[10] = 0
	b[11] = 0
	b[12] = 0
	return writeChunk(w, "IHDR", b[:])
}

func writePLTEAndTRNS(w io.Writer, pal *raster.Palette) error {
	n := pal.NumColors()
	plte := make([]byte, 3*n)
	trns := make([]byte, n)
	lastOpaque := -1
	for i := 0; i < n; i++ {
		plte[3*i] = byte(pal.GetChannel(i, 'r'))
		plte[3*i+1] = byte(pal.GetChannel(i, 'g'))
		plte[3*i+2] = byte(pal.GetChannel(i, 'b'))
		a := byte(pal.GetChannel(i, 'a'))
		trns[i] = a
		if a != 255 {
			lastOpaque = i
		}
	}
	if err := writeChunk(w, "PLTE", plte); err != nil {
		return err
	}
	if lastOpaque >= 0 {
		return writeChunk(w, "tRNS", trns[:lastOpaque+1])
	}
	return nil
}

func writeFCTL(w io.Writer, seq uint32, width, height, x, y int, durationMs uint32, dispose DisposeOp, blend BlendOp) error {
	var b [26]byte
	binary.BigEndian.PutUint32(b[0:4], seq)
	binary.BigEndian.PutUint32(b[4:8], uint32(width))
	binary.BigEndian.PutUint32(b[8:12], uint32(height))
	binary.BigEndian.PutUint32(b[12:16], uint32(x))
	binary.BigEndian.PutUint32(b[16:20], uint32(y))
	// Express duration as durationMs/1000 seconds (denominator 1000);
	// APNG players treat this as exact milliseconds.
	binary.BigEndian.PutUint16(b[20:22], uint16(durationMs))
	binary.BigEndian.PutUint16(b[22:24], 1000)
	b[24] = byte(dispose)
	b[25] = byte(blend)
	return writeChunk(w, "fcTL", b[:])
}

func pngColorType(buf *raster.Buffer) (ColorType, uint8) {
	if buf.HasPalette() {
		return ColorPaletted, uint8(buf.Format().ElementBits())
	}
	bitDepth := uint8(8)
	if buf.Format() == raster.FormatUint16 {
		bitDepth = 16
	}
	switch buf.NumChannels() {
	case 1:
		return ColorGrayscale, bitDepth
	case 2:
		return ColorGrayscaleAlpha, bitDepth
	case 3:
		return ColorTrueColor, bitDepth
	default:
		return ColorTrueColorAlpha, bitDepth
	}
}

func getChannelValue(buf *raster.Buffer, x, y, c, numChannels int, paletted bool) float64 {
	if paletted {
		return buf.GetIndex(x, y)
	}
	switch numChannels {
	case 1:
		return buf.GetR(x, y)
	case 2:
		if c == 0 {
			return buf.GetR(x, y)
		}
		return buf.GetA(x, y)
	case 3:
		switch c {
		case 0:
			return buf.GetR(x, y)
		case 1:
			return buf.GetG(x, y)
		default:
			return buf.GetB(x, y)
		}
	default:
		switch c {
		case 0:
			return buf.GetR(x, y)
		case 1:
			return buf.GetG(x, y)
		case 2:
			return buf.GetB(x, y)
		default:
			return buf.GetA(x, y)
		}
	}
}

func putSample(row []byte, sampleIndex int, value uint64, bitDepth int) {
	switch bitDepth {
	case 16:
		row[sampleIndex*2] = byte(value >> 8)
		row[sampleIndex*2+1] = byte(value)
	case 8:
		row[sampleIndex] = byte(value)
	default:
		bitPos := sampleIndex * bitDepth
		byteIdx := bitPos / 8
		shift := 8 - bitDepth - (bitPos % 8)
		mask := byte(1<<uint(bitDepth)-1) << uint(shift)
		row[byteIdx] = row[byteIdx]&^mask | byte(value)<<uint(shift)&mask
	}
}

func encodeFramePixels(buf *raster.Buffer, colorType ColorType, bitDepth uint8, level deflate.Level, filter FilterType) ([]byte, error) {
	width, height := buf.Width(), buf.Height()
	numChannels := colorType.channels()
	paletted := colorType == ColorPaletted
	bitsPerPixel := int(bitDepth) * numChannels
	rowStride := (width*bitsPerPixel + 7) / 8
	bpp := (bitsPerPixel + 7) / 8
	if bpp < 1 {
		bpp = 1
	}

	var cr [nFilter][]byte
	for i := range cr {
		cr[i] = make([]byte, rowStride)
	}
	pr := make([]byte, rowStride)

	raw := make([]byte, 0, (rowStride+1)*height)
	for y := 0; y < height; y++ {
		for i := range cr[0] {
			cr[0][i] = 0
		}
		for x := 0; x < width; x++ {
			for c := 0; c < numChannels; c++ {
				v := getChannelValue(buf, x, y, c, numChannels, paletted)
				putSample(cr[0], x*numChannels+c, uint64(v), int(bitDepth))
			}
		}

		f := ftNone
		if bitsPerPixel >= 8 && !paletted {
			if filter == FilterAuto {
				f = chooseFilter(&cr, pr, bpp)
			} else {
				f = int(filter) - int(FilterNone)
				if f != ftNone {
					filterRow(f, cr[f], cr[0], pr, bpp)
				}
			}
		}
		raw = append(raw, byte(f))
		raw = append(raw, cr[f]...)

		pr, cr[0] = cr[0], pr
	}

	compressed, err := deflate.Compress(raw, level)
	if err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	return compressed, nil
}
