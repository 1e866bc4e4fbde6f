package gif

import (
	"compress/lzw"
	"encoding/binary"
	"io"

	"github.com/deepteams/imgcore"
	"github.com/deepteams/imgcore/neuquant"
)

// Encode writes img to w as a GIF, using a single global colour table
// trained on frame 0 (or, for an animated source, on the first frame
// only, matching how most GIF encoders avoid per-frame palette churn).
// Multi-frame sources are written with a NETSCAPE2.0 loop extension,
// unless opts.SingleFrame suppresses every frame but the first.
func Encode(w io.Writer, img *raster.Image, opts Options) error {
	numColors := opts.NumColors
	if numColors <= 0 {
		numColors = 256
	}
	threshold := opts.TransparencyThreshold
	if threshold == 0 {
		threshold = -1
	}
	// Reserve a fixed index for transparency when requested, rather than
	// picking one dynamically per frame: the colour table is global
	// across every frame, so the transparent index must mean the same
	// thing everywhere it appears.
	transparentIdx := -1
	trainColors := numColors
	if threshold >= 0 && trainColors > 1 {
		trainColors--
		transparentIdx = trainColors
	}

	frames := img.Frames()
	if opts.SingleFrame {
		frames = frames[:1]
	}

	samplingFactor := opts.SamplingFactor
	if samplingFactor <= 0 {
		samplingFactor = 10
		if len(frames) > 1 {
			samplingFactor = 30
		}
	}
	quant := trainGlobalPalette(frames[0], trainColors, samplingFactor)
	palette := quant.Palette()

	if _, err := w.Write([]byte("GIF89a")); err != nil {
		return err
	}

	width, height := img.Width(), img.Height()
	var lsd [7]byte
	binary.LittleEndian.PutUint16(lsd[0:2], uint16(width))
	binary.LittleEndian.PutUint16(lsd[2:4], uint16(height))
	tableEntries := len(palette)
	if transparentIdx >= 0 && transparentIdx+1 > tableEntries {
		tableEntries = transparentIdx + 1
	}
	gctSizeBits := colorTableSizeBits(tableEntries)
	lsd[4] = 0x80 | 0x70 | byte(gctSizeBits) // global table present, 8-bit colour res
	lsd[5] = 0
	lsd[6] = 0
	if _, err := w.Write(lsd[:]); err != nil {
		return err
	}
	if err := writeColorTable(w, palette, 1<<(gctSizeBits+1)); err != nil {
		return err
	}

	if len(frames) > 1 {
		app := make([]byte, 0, 19)
		app = append(app, 0x21, 0xFF, 11)
		app = append(app, []byte("NETSCAPE2.0")...)
		app = append(app, 3, 1)
		loopBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(loopBuf, opts.LoopCount)
		app = append(app, loopBuf...)
		app = append(app, 0)
		if _, err := w.Write(app); err != nil {
			return err
		}
	}

	for _, frame := range frames {
		if err := writeFrame(w, frame, quant, threshold, transparentIdx); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte{0x3B})
	return err
}

func trainGlobalPalette(frame0 *raster.Image, numColors, samplingFactor int) *neuquant.Network {
	w, h := frame0.Width(), frame0.Height()
	buf := frame0.Buffer()
	srcMax := buf.Format().MaxValue()
	pixels := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels = append(pixels,
				to8(buf.GetR(x, y), srcMax),
				to8(buf.GetG(x, y), srcMax),
				to8(buf.GetB(x, y), srcMax),
			)
		}
	}
	n := neuquant.New(pixels, samplingFactor, numColors)
	n.Process()
	return n
}

func to8(v, max float64) byte {
	if max <= 0 {
		return 0
	}
	scaled := v / max * 255
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return byte(scaled + 0.5)
}

func colorTableSizeBits(n int) int {
	bits := 0
	for (1 << uint(bits+1)) < n {
		bits++
	}
	return bits
}

func writeColorTable(w io.Writer, colors [][3]uint8, size int) error {
	raw := make([]byte, size*3)
	for i := 0; i < size; i++ {
		if i < len(colors) {
			raw[3*i] = colors[i][0]
			raw[3*i+1] = colors[i][1]
			raw[3*i+2] = colors[i][2]
		}
	}
	_, err := w.Write(raw)
	return err
}

func writeFrame(w io.Writer, frame *raster.Image, quant *neuquant.Network, threshold, transparentIdx int) error {
	buf := frame.Buffer()
	srcMax := buf.Format().MaxValue()
	width, height := buf.Width(), buf.Height()

	usesTransparency := false
	indices := make([]byte, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if transparentIdx >= 0 {
				a := buf.GetA(x, y) / srcMax * 255
				if a <= float64(threshold) {
					indices[y*width+x] = byte(transparentIdx)
					usesTransparency = true
					continue
				}
			}
			r := to8(buf.GetR(x, y), srcMax)
			g := to8(buf.GetG(x, y), srcMax)
			b := to8(buf.GetB(x, y), srcMax)
			indices[y*width+x] = byte(quant.Lookup(r, g, b))
		}
	}

	var gce [4]byte
	gce[0] = byte(DisposalNone) << 2
	binary.LittleEndian.PutUint16(gce[1:3], uint16(frame.FrameDurationMs()/10))
	if usesTransparency {
		gce[0] |= 0x01
		gce[3] = byte(transparentIdx)
	}
	header := append([]byte{0x21, 0xF9, 4}, gce[:]...)
	header = append(header, 0)
	if _, err := w.Write(header); err != nil {
		return err
	}

	var id [9]byte
	binary.LittleEndian.PutUint16(id[0:2], 0)
	binary.LittleEndian.PutUint16(id[2:4], 0)
	binary.LittleEndian.PutUint16(id[4:6], uint16(width))
	binary.LittleEndian.PutUint16(id[6:8], uint16(height))
	id[8] = 0
	if _, err := w.Write(append([]byte{0x2C}, id[:]...)); err != nil {
		return err
	}

	litWidth := 8
	if _, err := w.Write([]byte{byte(litWidth)}); err != nil {
		return err
	}
	bw := &blockWriter{w: w}
	lz := lzw.NewWriter(bw, lzw.LSB, litWidth)
	if _, err := lz.Write(indices); err != nil {
		return err
	}
	if err := lz.Close(); err != nil {
		return err
	}
	return bw.close()
}
