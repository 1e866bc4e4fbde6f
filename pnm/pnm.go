// Package pnm implements the portable anymap family: PBM (bilevel),
// PGM (greyscale), and PPM (truecolor), both the ASCII ("plain") and
// binary ("raw") encodings. Unlike ico/tga/psd/pvr, PNM's grid is
// simple enough to decode and encode in full rather than stop at
// format detection.
package pnm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("pnm", "P1", decodeForRegistry, nil)
	raster.RegisterFormat("pnm", "P2", decodeForRegistry, nil)
	raster.RegisterFormat("pnm", "P3", decodeForRegistry, nil)
	raster.RegisterFormat("pnm", "P4", decodeForRegistry, nil)
	raster.RegisterFormat("pnm", "P5", decodeForRegistry, nil)
	raster.RegisterFormat("pnm", "P6", decodeForRegistry, encodeForRegistry)
}

// Kind identifies which of the six PNM magic numbers an image was
// read from, or which one Encode should write.
type Kind int

const (
	// KindPPMRaw is P6, the only variant Encode produces: binary RGB.
	KindPPMRaw Kind = iota
	KindPBMPlain
	KindPBMRaw
	KindPGMPlain
	KindPGMRaw
	KindPPMPlain
)

var ErrMalformed = fmt.Errorf("pnm: malformed header")

// Decode reads any of the six PBM/PGM/PPM variants into a raster.Image.
// PBM and PGM are expanded into an RGB buffer (grey replicated across
// R/G/B); callers that want the original 1-channel data can use
// raster.Convert to collapse it back down.
func Decode(data []byte) (*raster.Image, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	magic, err := readToken(br)
	if err != nil {
		return nil, err
	}
	switch magic {
	case "P1":
		return decodeBitmap(br, false)
	case "P4":
		return decodeBitmap(br, true)
	case "P2":
		return decodeGraymap(br, false)
	case "P5":
		return decodeGraymap(br, true)
	case "P3":
		return decodePixmap(br, false)
	case "P6":
		return decodePixmap(br, true)
	default:
		return nil, fmt.Errorf("pnm: unrecognised magic number %q", magic)
	}
}

// Encode always writes binary PPM (P6), regardless of the image's
// original variant: PNM has no alpha channel or palette, so every
// raster.Image is flattened to opaque RGB.
func Encode(img *raster.Image) ([]byte, error) {
	w, h := img.Width(), img.Height()
	buf := img.Buffer()
	var out bytes.Buffer
	fmt.Fprintf(&out, "P6\n%d %d\n255\n", w, h)
	row := make([]byte, w*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row[x*3+0] = clamp255(buf.GetR(x, y))
			row[x*3+1] = clamp255(buf.GetG(x, y))
			row[x*3+2] = clamp255(buf.GetB(x, y))
		}
		out.Write(row)
	}
	return out.Bytes(), nil
}

func clamp255(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// readToken reads one whitespace-delimited token, skipping '#' comments
// which run to end of line, per the PNM header grammar.
func readToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(tok) > 0 {
				return string(tok), nil
			}
			return "", err
		}
		if b == '#' {
			for {
				b, err := br.ReadByte()
				if err != nil || b == '\n' {
					break
				}
			}
			continue
		}
		if isSpace(b) {
			if len(tok) > 0 {
				return string(tok), nil
			}
			continue
		}
		tok = append(tok, b)
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func readIntToken(br *bufio.Reader) (int, error) {
	tok, err := readToken(br)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, nil
}

// decodeBitmap handles P1 (ASCII) and P4 (packed-bit raw) PBM: each
// pixel is 0 (white) or 1 (black), no maxval field.
func decodeBitmap(br *bufio.Reader, raw bool) (*raster.Image, error) {
	w, err := readIntToken(br)
	if err != nil {
		return nil, err
	}
	h, err := readIntToken(br)
	if err != nil {
		return nil, err
	}
	img := raster.NewImage(w, h, raster.FormatUint8, 3, false)
	if raw {
		rowBytes := (w + 7) / 8
		row := make([]byte, rowBytes)
		for y := 0; y < h; y++ {
			if _, err := io.ReadFull(br, row); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			for x := 0; x < w; x++ {
				bit := (row[x/8] >> (7 - uint(x%8))) & 1
				v := 255.0
				if bit == 1 {
					v = 0
				}
				img.SetPixelRGB(x, y, v, v, v)
			}
		}
		return img, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tok, err := readToken(br)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			v := 255.0
			if tok == "1" {
				v = 0
			}
			img.SetPixelRGB(x, y, v, v, v)
		}
	}
	return img, nil
}

// decodeGraymap handles P2/P5: a maxval field then w*h grey samples.
func decodeGraymap(br *bufio.Reader, raw bool) (*raster.Image, error) {
	w, h, maxval, err := readDims(br)
	if err != nil {
		return nil, err
	}
	img := raster.NewImage(w, h, raster.FormatUint8, 3, false)
	if raw {
		wide := maxval > 255
		row := make([]byte, w*sampleWidth(wide))
		for y := 0; y < h; y++ {
			if _, err := io.ReadFull(br, row); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			for x := 0; x < w; x++ {
				v := scaleSample(readSample(row, x, wide), maxval)
				img.SetPixelRGB(x, y, v, v, v)
			}
		}
		return img, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n, err := readIntToken(br)
			if err != nil {
				return nil, err
			}
			v := scaleSample(n, maxval)
			img.SetPixelRGB(x, y, v, v, v)
		}
	}
	return img, nil
}

// decodePixmap handles P3/P6: a maxval field then w*h RGB triples.
func decodePixmap(br *bufio.Reader, raw bool) (*raster.Image, error) {
	w, h, maxval, err := readDims(br)
	if err != nil {
		return nil, err
	}
	img := raster.NewImage(w, h, raster.FormatUint8, 3, false)
	if raw {
		wide := maxval > 255
		sw := sampleWidth(wide)
		row := make([]byte, w*3*sw)
		for y := 0; y < h; y++ {
			if _, err := io.ReadFull(br, row); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			for x := 0; x < w; x++ {
				r := scaleSample(readSample(row, x*3+0, wide), maxval)
				g := scaleSample(readSample(row, x*3+1, wide), maxval)
				b := scaleSample(readSample(row, x*3+2, wide), maxval)
				img.SetPixelRGB(x, y, r, g, b)
			}
		}
		return img, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rn, err := readIntToken(br)
			if err != nil {
				return nil, err
			}
			gn, err := readIntToken(br)
			if err != nil {
				return nil, err
			}
			bn, err := readIntToken(br)
			if err != nil {
				return nil, err
			}
			img.SetPixelRGB(x, y, scaleSample(rn, maxval), scaleSample(gn, maxval), scaleSample(bn, maxval))
		}
	}
	return img, nil
}

func readDims(br *bufio.Reader) (w, h, maxval int, err error) {
	if w, err = readIntToken(br); err != nil {
		return
	}
	if h, err = readIntToken(br); err != nil {
		return
	}
	if maxval, err = readIntToken(br); err != nil {
		return
	}
	if maxval <= 0 {
		err = fmt.Errorf("%w: non-positive maxval", ErrMalformed)
	}
	return
}

func sampleWidth(wide bool) int {
	if wide {
		return 2
	}
	return 1
}

func readSample(row []byte, i int, wide bool) int {
	if wide {
		return int(row[i*2])<<8 | int(row[i*2+1])
	}
	return int(row[i])
}

func scaleSample(v, maxval int) float64 {
	return float64(v) * 255.0 / float64(maxval)
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }

func encodeForRegistry(img *raster.Image) ([]byte, error) { return Encode(img) }
