// Package bmp bridges raster.Image to golang.org/x/image/bmp.
package bmp

import (
	"bytes"
	goimage "image"
	"image/color"

	"golang.org/x/image/bmp"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("bmp", "BM", decodeForRegistry, encodeForRegistry)
}

// Decode reads a BMP and converts the result into a raster.Image.
func Decode(data []byte) (*raster.Image, error) {
	img, err := bmp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := raster.NewImage(w, h, raster.FormatUint8, 4, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.SetPixelRGBA(x, y, float64(c.R), float64(c.G), float64(c.B), float64(c.A))
		}
	}
	return out, nil
}

// Encode renders img (frame 0; BMP has no animation) as a BMP.
func Encode(img *raster.Image) ([]byte, error) {
	w, h := img.Width(), img.Height()
	buf := img.Buffer()
	nrgba := goimage.NewNRGBA(goimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			nrgba.SetNRGBA(x, y, color.NRGBA{
				R: uint8(buf.GetR(x, y)),
				G: uint8(buf.GetG(x, y)),
				B: uint8(buf.GetB(x, y)),
				A: uint8(buf.GetA(x, y)),
			})
		}
	}
	var out bytes.Buffer
	if err := bmp.Encode(&out, nrgba); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }

func encodeForRegistry(img *raster.Image) ([]byte, error) { return Encode(img) }
