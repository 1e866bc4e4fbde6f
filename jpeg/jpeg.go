// Package jpeg bridges raster.Image to the standard library's
// image/jpeg codec. JPEG encoding quality/chroma-subsampling tuning is
// explicitly out of scope for this module; callers who need that
// control should use image/jpeg directly.
package jpeg

import (
	"bytes"
	goimage "image"
	"image/color"
	"image/jpeg"

	"github.com/deepteams/imgcore"
)

func init() {
	raster.RegisterFormat("jpeg", "\xff\xd8\xff", decodeForRegistry, encodeForRegistry)
}

// Options configures Encode. Quality follows image/jpeg's 1-100 scale.
type Options struct {
	Quality int
}

// Decode reads a JPEG and converts the result into a raster.Image.
// Every pixel, whatever the stdlib color model (YCbCr included), is
// routed through color.NRGBAModel.
func Decode(data []byte) (*raster.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := raster.NewImage(w, h, raster.FormatUint8, 3, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.SetPixelRGB(x, y, float64(c.R), float64(c.G), float64(c.B))
		}
	}
	return out, nil
}

// Encode renders img (frame 0; JPEG has no animation) as a JPEG.
func Encode(img *raster.Image, opts Options) ([]byte, error) {
	q := opts.Quality
	if q <= 0 {
		q = jpeg.DefaultQuality
	}
	w, h := img.Width(), img.Height()
	buf := img.Buffer()
	nrgba := goimage.NewNRGBA(goimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			nrgba.SetNRGBA(x, y, color.NRGBA{
				R: uint8(buf.GetR(x, y)),
				G: uint8(buf.GetG(x, y)),
				B: uint8(buf.GetB(x, y)),
				A: 255,
			})
		}
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, nrgba, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeForRegistry(data []byte) (*raster.Image, error) { return Decode(data) }

func encodeForRegistry(img *raster.Image) ([]byte, error) { return Encode(img, Options{}) }
