package raster

import "testing"

func TestFindDecoderForProbesInFixedOrder(t *testing.T) {
	saved := formats
	defer func() { formats = saved }()
	formats = nil

	RegisterFormat("gif", "GIF8?a", func(data []byte) (*Image, error) {
		return NewImage(1, 1, FormatUint8, 3, false), nil
	}, nil)
	RegisterFormat("png", "\x89PNG\r\n\x1a\n", func(data []byte) (*Image, error) {
		return NewImage(2, 2, FormatUint8, 3, false), nil
	}, nil)

	pngMagic := []byte("\x89PNG\r\n\x1a\n...")
	if name := FindDecoderFor(pngMagic); name != "png" {
		t.Errorf("FindDecoderFor(png) = %q, want png", name)
	}

	gifMagic := []byte("GIF89a...")
	if name := FindDecoderFor(gifMagic); name != "gif" {
		t.Errorf("FindDecoderFor(gif) = %q, want gif", name)
	}

	if name := FindDecoderFor([]byte("nonsense")); name != "" {
		t.Errorf("FindDecoderFor(garbage) = %q, want empty", name)
	}
}

func TestDecodeByNameDispatches(t *testing.T) {
	saved := formats
	defer func() { formats = saved }()
	formats = nil

	RegisterFormat("test", "TEST", func(data []byte) (*Image, error) {
		return NewImage(5, 5, FormatUint8, 3, false), nil
	}, func(img *Image) ([]byte, error) {
		return []byte("TEST"), nil
	})

	img, err := DecodeByName([]byte("TESTxyz"), "test")
	if err != nil {
		t.Fatalf("DecodeByName: %v", err)
	}
	if img.Width() != 5 {
		t.Errorf("Width() = %d, want 5", img.Width())
	}

	out, err := EncodeByName(img, "test")
	if err != nil {
		t.Fatalf("EncodeByName: %v", err)
	}
	if string(out) != "TEST" {
		t.Errorf("EncodeByName() = %q, want TEST", out)
	}

	if _, err := DecodeByName([]byte("x"), "unknown"); err == nil {
		t.Error("expected error for unregistered format")
	}
}
