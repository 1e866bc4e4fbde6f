package png

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deepteams/imgcore"
	"github.com/deepteams/imgcore/internal/deflate"
)

type ihdrInfo struct {
	width, height        uint32
	bitDepth             uint8
	colorType            ColorType
	interlace            uint8
}

type fcTLInfo struct {
	sequenceNumber         uint32
	width, height          uint32
	xOffset, yOffset        uint32
	delayNum, delayDen      uint16
	disposeOp               DisposeOp
	blendOp                 BlendOp
}

type pendingFrame struct {
	fctl *fcTLInfo
	data []byte
}

// Decode reads a PNG or APNG stream and returns the decoded Image. A
// malformed stream returns a nil Image and an error; a well-formed
// stream with recoverable ancillary-chunk problems (bad CRC) returns a
// non-nil Image, a nil error, and the problems recorded in res.
func Decode(r io.Reader) (img *raster.Image, res *DecodeResult, err error) {
	res = &DecodeResult{}

	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, res, fmt.Errorf("png: %w", err)
	}
	if sig != Signature {
		return nil, res, fmt.Errorf("png: bad signature")
	}

	var hdr ihdrInfo
	var haveIHDR bool
	var plteData, trnsData, iccData []byte
	var iccName string
	textMap := map[string]string{}
	var physDims *raster.PixelDims
	var loopCount uint16
	haveACTL := false

	var frames []pendingFrame
	var current *pendingFrame

	finalize := func() {
		if current != nil {
			frames = append(frames, *current)
			current = nil
		}
	}

	for {
		name, data, crcOK, rerr := readChunk(r)
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, res, fmt.Errorf("png: %w", rerr)
		}
		if !crcOK {
			res.warn("chunk %s: bad CRC", name)
		}

		switch name {
		case "IHDR":
			if len(data) < 13 {
				return nil, res, fmt.Errorf("png: short IHDR")
			}
			hdr = ihdrInfo{
				width:     binary.BigEndian.Uint32(data[0:4]),
				height:    binary.BigEndian.Uint32(data[4:8]),
				bitDepth:  data[8],
				colorType: ColorType(data[9]),
				interlace: data[12],
			}
			haveIHDR = true
		case "PLTE":
			plteData = append([]byte(nil), data...)
		case "tRNS":
			trnsData = append([]byte(nil), data...)
		case "iCCP":
			if nul := bytes.IndexByte(data, 0); nul >= 0 && nul+2 <= len(data) {
				iccName = string(data[:nul])
				compressed := data[nul+2:]
				if raw, derr := deflate.Decompress(compressed); derr == nil {
					iccData = raw
				} else {
					res.warn("iCCP: %v", derr)
				}
			}
		case "tEXt":
			if nul := bytes.IndexByte(data, 0); nul >= 0 {
				textMap[string(data[:nul])] = string(data[nul+1:])
			}
		case "pHYs":
			if len(data) >= 9 {
				physDims = &raster.PixelDims{
					PPUX: binary.BigEndian.Uint32(data[0:4]),
					PPUY: binary.BigEndian.Uint32(data[4:8]),
					Unit: data[8],
				}
			}
		case "acTL":
			haveACTL = true
			if len(data) >= 8 {
				loopCount = uint16(binary.BigEndian.Uint32(data[4:8]))
			}
		case "fcTL":
			if len(data) < 26 {
				res.warn("fcTL: short chunk")
				continue
			}
			finalize()
			f := &fcTLInfo{
				sequenceNumber: binary.BigEndian.Uint32(data[0:4]),
				width:          binary.BigEndian.Uint32(data[4:8]),
				height:         binary.BigEndian.Uint32(data[8:12]),
				xOffset:        binary.BigEndian.Uint32(data[12:16]),
				yOffset:        binary.BigEndian.Uint32(data[16:20]),
				delayNum:       binary.BigEndian.Uint16(data[20:22]),
				delayDen:       binary.BigEndian.Uint16(data[22:24]),
				disposeOp:      DisposeOp(data[24]),
				blendOp:        BlendOp(data[25]),
			}
			current = &pendingFrame{fctl: f}
		case "IDAT":
			if current == nil {
				current = &pendingFrame{}
			}
			current.data = append(current.data, data...)
		case "fdAT":
			if len(data) < 4 {
				res.warn("fdAT: short chunk")
				continue
			}
			if current == nil {
				current = &pendingFrame{}
			}
			current.data = append(current.data, data[4:]...)
		case "IEND":
			finalize()
		}
	}
	finalize()

	if !haveIHDR {
		return nil, res, fmt.Errorf("png: missing IHDR")
	}
	if len(frames) == 0 {
		return nil, res, fmt.Errorf("png: no image data")
	}

	format, numChannels, withPalette := colorTypeToFormat(hdr.colorType, hdr.bitDepth)

	canvas := raster.NewImage(int(hdr.width), int(hdr.height), format, numChannels, withPalette)
	if withPalette {
		applyPalette(canvas.Buffer(), plteData, trnsData)
	}
	canvas.Metadata().Text = textMap
	canvas.Metadata().PixelDims = physDims
	if iccData != nil {
		canvas.Metadata().ICC = &raster.ICCProfile{Data: iccData}
		_ = iccName
	}
	if haveACTL {
		canvas.SetFrameType(raster.FrameTypeSequence)
		canvas.SetLoopCount(loopCount)
	}

	var prevCanvas *raster.Buffer
	var images []*raster.Image
	for i, pf := range frames {
		fw, fh, fx, fy := int(hdr.width), int(hdr.height), 0, 0
		dispose, blend := DisposeNone, BlendSource
		var delayMs uint32
		if pf.fctl != nil {
			fw, fh = int(pf.fctl.width), int(pf.fctl.height)
			fx, fy = int(pf.fctl.xOffset), int(pf.fctl.yOffset)
			dispose, blend = pf.fctl.disposeOp, pf.fctl.blendOp
			delayMs = frameDurationMs(pf.fctl.delayNum, pf.fctl.delayDen)
		}

		raw, derr := deflate.Decompress(pf.data)
		if derr != nil {
			return nil, res, fmt.Errorf("png: frame %d: %w", i, derr)
		}
		sub := decodePixels(raw, fw, fh, format, numChannels, hdr.bitDepth, int(hdr.interlace))
		if withPalette {
			sub.SetPalette(canvas.Buffer().Palette())
		}

		var frameCanvas *raster.Buffer
		if i == 0 {
			frameCanvas = sub
			if fw != int(hdr.width) || fh != int(hdr.height) {
				frameCanvas = canvas.Buffer().Clone()
				compositeOnto(frameCanvas, sub, fx, fy, BlendSource)
			}
		} else {
			frameCanvas = prevCanvas.Clone()
			compositeOnto(frameCanvas, sub, fx, fy, blend)
		}

		frameImg := raster.FromBuffer(frameCanvas)
		frameImg.SetFrameDurationMs(delayMs)
		images = append(images, frameImg)

		switch dispose {
		case DisposeBackground:
			cleared := frameCanvas.Clone()
			clearRect(cleared, fx, fy, fw, fh)
			prevCanvas = cleared
		case DisposePrevious:
			if prevCanvas == nil {
				prevCanvas = frameCanvas
			}
		default:
			prevCanvas = frameCanvas
		}
	}

	out := images[0]
	for _, f := range images[1:] {
		out.AddFrame(f)
	}
	out.Metadata().Text = textMap
	out.Metadata().PixelDims = physDims
	if iccData != nil {
		out.Metadata().ICC = &raster.ICCProfile{Data: iccData}
	}
	if haveACTL {
		out.SetFrameType(raster.FrameTypeSequence)
		out.SetLoopCount(loopCount)
	}
	return out, res, nil
}

func frameDurationMs(num, den uint16) uint32 {
	if den == 0 {
		den = 100
	}
	return uint32(float64(num) / float64(den) * 1000)
}

func clearRect(b *raster.Buffer, x0, y0, w, h int) {
	cur := b.GetRange(x0, y0, w, h)
	for cur.Next() {
		cur.SetRGBA(0, 0, 0, 0)
	}
}

// compositeOnto blends src onto dst at (x,y) per blend.
func compositeOnto(dst, src *raster.Buffer, x, y int, blend BlendOp) {
	max := dst.Format().MaxValue()
	for sy := 0; sy < src.Height(); sy++ {
		for sx := 0; sx < src.Width(); sx++ {
			r, g, b, a := src.GetR(sx, sy), src.GetG(sx, sy), src.GetB(sx, sy), src.GetA(sx, sy)
			if dst.HasPalette() {
				dst.SetPixelIndex(x+sx, y+sy, src.GetIndex(sx, sy))
				continue
			}
			if blend == BlendOver {
				srcA := a / max
				dr, dg, db, da := dst.GetR(x+sx, y+sy), dst.GetG(x+sx, y+sy), dst.GetB(x+sx, y+sy), dst.GetA(x+sx, y+sy)
				r = r*srcA + dr*(1-srcA)
				g = g*srcA + dg*(1-srcA)
				b = b*srcA + db*(1-srcA)
				a = a + da*(1-srcA)
			}
			dst.SetPixelRGBA(x+sx, y+sy, r, g, b, a)
		}
	}
}

func colorTypeToFormat(ct ColorType, bitDepth uint8) (raster.FormatTag, int, bool) {
	var format raster.FormatTag
	switch bitDepth {
	case 1:
		format = raster.FormatUint1
	case 2:
		format = raster.FormatUint2
	case 4:
		format = raster.FormatUint4
	case 16:
		format = raster.FormatUint16
	default:
		format = raster.FormatUint8
	}
	if ct == ColorPaletted {
		return format, 1, true
	}
	return format, ct.channels(), false
}

func applyPalette(b *raster.Buffer, plte, trns []byte) {
	n := len(plte) / 3
	if n == 0 {
		n = 1
	}
	pal := raster.NewPalette(n, 4, raster.FormatUint8)
	for i := 0; i < n; i++ {
		var r, g, bl float64
		if 3*i+2 < len(plte) {
			r, g, bl = float64(plte[3*i]), float64(plte[3*i+1]), float64(plte[3*i+2])
		}
		a := 255.0
		if i < len(trns) {
			a = float64(trns[i])
		}
		pal.SetRGBA(i, r, g, bl, a)
	}
	b.SetPalette(pal)
}

// decodePixels unfilters (and, if interlaced, de-interlaces) raw
// inflated IDAT/fdAT bytes into a Buffer of the given dimensions.
func decodePixels(raw []byte, width, height int, format raster.FormatTag, numChannels int, bitDepth uint8, interlace int) *raster.Buffer {
	dst := raster.NewBuffer(width, height, format, numChannels, false)
	bpp := (int(bitDepth)*numChannels + 7) / 8
	if bpp < 1 {
		bpp = 1
	}

	if interlace == 0 {
		unfilterPlane(raw, dst, width, height, numChannels, int(bitDepth), bpp)
		return dst
	}

	off := 0
	for _, p := range adam7Passes {
		pw, ph := adam7PassDims(p, width, height)
		if pw == 0 || ph == 0 {
			continue
		}
		rowStride := (pw*numChannels*int(bitDepth) + 7) / 8
		passBytes := (rowStride + 1) * ph
		if off+passBytes > len(raw) {
			passBytes = len(raw) - off
		}
		passData := raw[off : off+passBytes]
		off += passBytes

		passBuf := raster.NewBuffer(pw, ph, format, numChannels, false)
		unfilterPlane(passData, passBuf, pw, ph, numChannels, int(bitDepth), bpp)

		for py := 0; py < ph; py++ {
			for px := 0; px < pw; px++ {
				dx := p.xStart + px*p.xStep
				dy := p.yStart + py*p.yStep
				copyChannels(dst, passBuf, dx, dy, px, py, numChannels)
			}
		}
	}
	return dst
}

func copyChannels(dst, src *raster.Buffer, dx, dy, sx, sy, numChannels int) {
	switch numChannels {
	case 1:
		dst.SetPixelR(dx, dy, src.GetR(sx, sy))
	case 2:
		dst.SetPixelRGBA(dx, dy, src.GetR(sx, sy), src.GetR(sx, sy), src.GetR(sx, sy), src.GetA(sx, sy))
	case 3:
		dst.SetPixelRGB(dx, dy, src.GetR(sx, sy), src.GetG(sx, sy), src.GetB(sx, sy))
	default:
		dst.SetPixelRGBA(dx, dy, src.GetR(sx, sy), src.GetG(sx, sy), src.GetB(sx, sy), src.GetA(sx, sy))
	}
}

func unfilterPlane(raw []byte, dst *raster.Buffer, width, height, numChannels, bitDepth, bpp int) {
	rowStride := (width*numChannels*bitDepth + 7) / 8
	prev := make([]byte, rowStride)
	off := 0
	for y := 0; y < height; y++ {
		if off >= len(raw) {
			break
		}
		ft := int(raw[off])
		off++
		end := off + rowStride
		if end > len(raw) {
			end = len(raw)
		}
		cur := make([]byte, rowStride)
		copy(cur, raw[off:end])
		off = end

		unfilterRow(ft, cur, prev, bpp)
		writeRowIntoBuffer(dst, y, cur, width, numChannels, bitDepth)
		prev = cur
	}
}

// writeRowIntoBuffer decodes one unfiltered scanline's packed channel
// elements into dst's row y. Multi-channel rows only occur at
// bitDepth 8 or 16 (PNG disallows bit depths below 8 for anything but
// grayscale and palette indices, both single-channel), so the packed
// sub-byte case below is always single-sample-per-pixel.
func writeRowIntoBuffer(dst *raster.Buffer, y int, cur []byte, width, numChannels, bitDepth int) {
	for x := 0; x < width; x++ {
		vals := make([]float64, numChannels)
		for c := 0; c < numChannels; c++ {
			vals[c] = float64(extractSample(cur, x*numChannels+c, bitDepth))
		}
		switch numChannels {
		case 1:
			dst.SetPixelR(x, y, vals[0])
		case 2:
			dst.SetPixelRGBA(x, y, vals[0], vals[0], vals[0], vals[1])
		case 3:
			dst.SetPixelRGB(x, y, vals[0], vals[1], vals[2])
		default:
			dst.SetPixelRGBA(x, y, vals[0], vals[1], vals[2], vals[3])
		}
	}
}

func extractSample(data []byte, sampleIndex, bitDepth int) uint64 {
	switch bitDepth {
	case 16:
		byteIdx := sampleIndex * 2
		if byteIdx+1 >= len(data) {
			return 0
		}
		return uint64(data[byteIdx])<<8 | uint64(data[byteIdx+1])
	case 8:
		if sampleIndex >= len(data) {
			return 0
		}
		return uint64(data[sampleIndex])
	default:
		bitPos := sampleIndex * bitDepth
		byteIdx := bitPos / 8
		if byteIdx >= len(data) {
			return 0
		}
		shift := 8 - bitDepth - (bitPos % 8)
		mask := byte(1<<uint(bitDepth) - 1)
		return uint64((data[byteIdx] >> uint(shift)) & mask)
	}
}
