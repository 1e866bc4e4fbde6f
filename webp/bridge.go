package webp

import (
	"bytes"
	"image"
	"image/color"
	"time"

	"github.com/deepteams/imgcore"
	"github.com/deepteams/imgcore/webp/animation"
)

func msToDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func init() {
	raster.RegisterFormat("webp", "RIFF????WEBP", decodeForRegistry, encodeForRegistry)
}

// toRasterImage converts a decoded stdlib image into a raster.Image.
// Every WebP frame decodes to one of a handful of stdlib image types
// (NRGBA, YCbCr); routing them all through color.NRGBAModel keeps this
// conversion uniform regardless of which one Decode produced.
func toRasterImage(img image.Image) *raster.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := raster.NewImage(w, h, raster.FormatUint8, 4, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.SetPixelRGBA(x, y, float64(c.R), float64(c.G), float64(c.B), float64(c.A))
		}
	}
	return out
}

// fromRasterImage renders a raster.Image frame into a stdlib
// *image.NRGBA for the encoder, which only knows how to read
// image.Image.
func fromRasterImage(img *raster.Image) *image.NRGBA {
	w, h := img.Width(), img.Height()
	buf := img.Buffer()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetNRGBA(x, y, color.NRGBA{
				R: uint8(buf.GetR(x, y)),
				G: uint8(buf.GetG(x, y)),
				B: uint8(buf.GetB(x, y)),
				A: uint8(buf.GetA(x, y)),
			})
		}
	}
	return out
}

func decodeForRegistry(data []byte) (*raster.Image, error) {
	feat, featErr := GetFeatures(bytes.NewReader(data))
	if featErr == nil && feat.HasAnimation {
		return decodeAnimatedForRegistry(data)
	}

	stdImg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return toRasterImage(stdImg), nil
}

func decodeAnimatedForRegistry(data []byte) (*raster.Image, error) {
	anim, err := animation.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	dec := animation.NewAnimDecoder(anim)

	var out *raster.Image
	for dec.HasNext() {
		frame, dur, err := dec.NextFrame()
		if err != nil {
			return nil, err
		}
		converted := toRasterImage(frame)
		converted.SetFrameDurationMs(uint32(dur.Milliseconds()))
		if out == nil {
			out = converted
		} else {
			out.AddFrame(converted)
		}
	}
	if out == nil {
		return nil, ErrNoFrames
	}
	out.SetFrameType(raster.FrameTypeSequence)
	out.SetLoopCount(uint16(anim.LoopCount))
	return out, nil
}

func encodeForRegistry(img *raster.Image) ([]byte, error) {
	frames := img.Frames()
	if len(frames) == 1 {
		var buf bytes.Buffer
		if err := Encode(&buf, fromRasterImage(img), DefaultOptions()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	enc := animation.NewEncoder(&buf, img.Width(), img.Height(), &animation.EncodeOptions{
		LoopCount: int(img.LoopCount()),
		Quality:   75,
	})
	for _, f := range frames {
		durMs := f.FrameDurationMs()
		if durMs == 0 {
			durMs = 100
		}
		if err := enc.AddFrame(fromRasterImage(f), msToDuration(durMs)); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
