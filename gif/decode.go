package gif

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deepteams/imgcore"
)

type logicalScreen struct {
	width, height int
	gct           [][3]byte
	bgIndex       int
}

type pendingFrame struct {
	left, top, width, height int
	localCT                  [][3]byte
	litWidth                 int
	data                     []byte
	disposal                 DisposalMethod
	delayMs                  uint32
	transparentIndex         int // -1 if none
}

// Decode reads a GIF stream (plain or animated) and returns the
// decoded Image, composited frame by frame per each frame's disposal
// method, as a full-canvas RGBA Uint8 Image.
func Decode(r io.Reader) (*raster.Image, *DecodeResult, error) {
	res := &DecodeResult{}

	var magic [6]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, res, fmt.Errorf("gif: %w", err)
	}
	if string(magic[:3]) != "GIF" {
		return nil, res, fmt.Errorf("gif: bad signature")
	}

	var lsdBuf [7]byte
	if _, err := io.ReadFull(r, lsdBuf[:]); err != nil {
		return nil, res, fmt.Errorf("gif: %w", err)
	}
	screen := logicalScreen{
		width:   int(binary.LittleEndian.Uint16(lsdBuf[0:2])),
		height:  int(binary.LittleEndian.Uint16(lsdBuf[2:4])),
		bgIndex: int(lsdBuf[5]),
	}
	packed := lsdBuf[4]
	if packed&0x80 != 0 {
		size := 2 << uint(packed&0x07)
		gct, err := readColorTable(r, size)
		if err != nil {
			return nil, res, fmt.Errorf("gif: %w", err)
		}
		screen.gct = gct
	}

	var frames []pendingFrame
	var pendingDisposal DisposalMethod
	var pendingDelay uint32
	pendingTransparent := -1
	loopCount := uint16(0)

	for {
		var tag [1]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return nil, res, fmt.Errorf("gif: %w", err)
		}
		switch tag[0] {
		case 0x3B: // trailer
			goto assemble
		case 0x21: // extension
			var label [1]byte
			if _, err := io.ReadFull(r, label[:]); err != nil {
				return nil, res, fmt.Errorf("gif: %w", err)
			}
			switch label[0] {
			case 0xF9: // graphic control
				var size [1]byte
				io.ReadFull(r, size[:])
				gce := make([]byte, size[0])
				io.ReadFull(r, gce)
				if len(gce) >= 4 {
					pendingDisposal = DisposalMethod((gce[0] >> 2) & 0x07)
					pendingDelay = uint32(binary.LittleEndian.Uint16(gce[1:3])) * 10
					if gce[0]&0x01 != 0 {
						pendingTransparent = int(gce[3])
					} else {
						pendingTransparent = -1
					}
				}
				var term [1]byte
				io.ReadFull(r, term[:])
			case 0xFF: // application extension
				var size [1]byte
				io.ReadFull(r, size[:])
				appID := make([]byte, size[0])
				io.ReadFull(r, appID)
				data, err := readSubBlocks(r)
				if err != nil {
					return nil, res, fmt.Errorf("gif: %w", err)
				}
				if string(appID) == "NETSCAPE2.0" && len(data) >= 3 && data[0] == 1 {
					loopCount = binary.LittleEndian.Uint16(data[1:3])
				}
			default: // comment, plain text, unknown: skip sub-blocks
				if label[0] == 0x01 {
					var size [1]byte
					io.ReadFull(r, size[:])
					skip := make([]byte, size[0])
					io.ReadFull(r, skip)
				}
				if _, err := readSubBlocks(r); err != nil {
					return nil, res, fmt.Errorf("gif: %w", err)
				}
			}
		case 0x2C: // image descriptor
			var idBuf [9]byte
			if _, err := io.ReadFull(r, idBuf[:]); err != nil {
				return nil, res, fmt.Errorf("gif: %w", err)
			}
			f := pendingFrame{
				left:             int(binary.LittleEndian.Uint16(idBuf[0:2])),
				top:              int(binary.LittleEndian.Uint16(idBuf[2:4])),
				width:            int(binary.LittleEndian.Uint16(idBuf[4:6])),
				height:           int(binary.LittleEndian.Uint16(idBuf[6:8])),
				disposal:         pendingDisposal,
				delayMs:          pendingDelay,
				transparentIndex: pendingTransparent,
			}
			idPacked := idBuf[8]
			if idPacked&0x80 != 0 {
				size := 2 << uint(idPacked&0x07)
				lct, err := readColorTable(r, size)
				if err != nil {
					return nil, res, fmt.Errorf("gif: %w", err)
				}
				f.localCT = lct
			}
			var litWidthBuf [1]byte
			if _, err := io.ReadFull(r, litWidthBuf[:]); err != nil {
				return nil, res, fmt.Errorf("gif: %w", err)
			}
			f.litWidth = int(litWidthBuf[0])
			data, err := readSubBlocks(r)
			if err != nil {
				return nil, res, fmt.Errorf("gif: %w", err)
			}
			f.data = data
			frames = append(frames, f)

			pendingDisposal = DisposalUnspecified
			pendingDelay = 0
			pendingTransparent = -1
		default:
			return nil, res, fmt.Errorf("gif: unexpected block tag 0x%02x", tag[0])
		}
	}

assemble:
	if screen.width == 0 || screen.height == 0 {
		return nil, res, fmt.Errorf("gif: empty logical screen")
	}
	if len(frames) == 0 {
		return nil, res, fmt.Errorf("gif: no frames")
	}

	canvas := raster.NewBuffer(screen.width, screen.height, raster.FormatUint8, 4, false)
	var out *raster.Image
	var images []*raster.Image

	for _, f := range frames {
		ct := f.localCT
		if ct == nil {
			ct = screen.gct
		}
		if ct == nil {
			return nil, res, fmt.Errorf("gif: frame has neither a local nor a global colour table")
		}
		indices, err := lzwDecode(f.data, f.litWidth, f.width*f.height)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("frame lzw: %v", err))
			indices = make([]byte, f.width*f.height)
		}

		frameCanvas := canvas.Clone()
		for y := 0; y < f.height; y++ {
			for x := 0; x < f.width; x++ {
				idx := int(indices[y*f.width+x])
				if idx == f.transparentIndex {
					continue
				}
				if idx >= len(ct) {
					continue
				}
				c := ct[idx]
				frameCanvas.SetPixelRGBA(f.left+x, f.top+y, float64(c[0]), float64(c[1]), float64(c[2]), 255)
			}
		}

		img := raster.FromBuffer(frameCanvas)
		img.SetFrameDurationMs(f.delayMs)
		images = append(images, img)

		switch f.disposal {
		case DisposalBackground:
			cleared := frameCanvas.Clone()
			rect := cleared.GetRange(f.left, f.top, f.width, f.height)
			for rect.Next() {
				rect.SetRGBA(0, 0, 0, 0)
			}
			canvas = cleared
		case DisposalPrevious:
			// canvas stays as it was before this frame was drawn
		default:
			canvas = frameCanvas
		}
	}

	out = images[0]
	for _, f := range images[1:] {
		out.AddFrame(f)
	}
	if len(images) > 1 {
		out.SetFrameType(raster.FrameTypeSequence)
	}
	out.SetLoopCount(loopCount)
	return out, res, nil
}

func readColorTable(r io.Reader, size int) ([][3]byte, error) {
	raw := make([]byte, size*3)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	out := make([][3]byte, size)
	for i := range out {
		out[i] = [3]byte{raw[3*i], raw[3*i+1], raw[3*i+2]}
	}
	return out, nil
}

func lzwDecode(data []byte, litWidth, expectedPixels int) ([]byte, error) {
	zr := lzw.NewReader(bytes.NewReader(data), lzw.LSB, litWidth)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	if len(out) < expectedPixels {
		padded := make([]byte, expectedPixels)
		copy(padded, out)
		out = padded
	}
	return out, nil
}
