package raster

import "fmt"

// DecodeFunc decodes bytes into an Image. Format packages register one
// per supported container via RegisterFormat, mirroring how the
// standard library's image package collects decoders.
type DecodeFunc func(data []byte) (*Image, error)

// EncodeFunc encodes an Image into bytes for a given container.
type EncodeFunc func(img *Image) ([]byte, error)

type registeredFormat struct {
	name   string
	magic  string
	decode DecodeFunc
	encode EncodeFunc
}

// formats is populated by each codec package's init(), in whatever
// order Go initialises imported packages; FindDecoderFor re-sorts its
// own probe independent of registration order, so that order doesn't
// matter here.
var formats []registeredFormat

// RegisterFormat registers a container format under name, with magic
// as a byte-matching pattern: '?' matches any byte, any other byte
// must match exactly. encode may be nil for decode-only formats.
func RegisterFormat(name, magic string, decode DecodeFunc, encode EncodeFunc) {
	formats = append(formats, registeredFormat{name: name, magic: magic, decode: decode, encode: encode})
}

func magicMatches(magic string, data []byte) bool {
	if len(data) < len(magic) {
		return false
	}
	for i := 0; i < len(magic); i++ {
		if magic[i] != '?' && magic[i] != data[i] {
			return false
		}
	}
	return true
}

// probeOrder is the fixed format-probing order used by FindDecoderFor,
// independent of package init order: JPEG, PNG, GIF, TIFF, BMP, TGA,
// ICO, PSD, PNM, PVR, WebP.
var probeOrder = []string{
	"jpeg", "png", "gif", "tiff", "bmp", "tga", "ico", "psd", "pnm", "pvr", "webp",
}

// FindDecoderFor probes data's magic bytes against every registered
// format in the fixed order JPEG, PNG, GIF, TIFF, BMP, TGA, ICO, PSD,
// PNM, PVR, WebP and returns the first match's name, or "" if none of
// the registered formats recognise it. A name may be registered with
// more than one magic pattern (e.g. TIFF's little/big-endian byte
// orders); every pattern registered under a name is tried before
// moving to the next name in probeOrder.
func FindDecoderFor(data []byte) string {
	for _, name := range probeOrder {
		for _, f := range formats {
			if f.name == name && magicMatches(f.magic, data) {
				return name
			}
		}
	}
	return ""
}

func lookupFormat(name string) (registeredFormat, bool) {
	for _, f := range formats {
		if f.name == name {
			return f, true
		}
	}
	return registeredFormat{}, false
}

// DecodeByName decodes data using the format registered under name
// (case-sensitive; callers typically pass a lowercased extension).
func DecodeByName(data []byte, name string) (*Image, error) {
	f, ok := lookupFormat(name)
	if !ok {
		return nil, fmt.Errorf("raster: no decoder registered for %q", name)
	}
	return f.decode(data)
}

// EncodeByName encodes img using the format registered under name. It
// returns an error if that format has no encoder (decode-only, e.g. a
// format whose encoder was never wired because nothing produces it).
func EncodeByName(img *Image, name string) ([]byte, error) {
	if _, ok := lookupFormat(name); !ok {
		return nil, fmt.Errorf("raster: no encoder registered for %q", name)
	}
	// A name may be registered once per magic pattern; any of those
	// registrations may carry the encoder.
	for _, f := range formats {
		if f.name == name && f.encode != nil {
			return f.encode(img)
		}
	}
	return nil, fmt.Errorf("raster: format %q is decode-only", name)
}

// Decode dispatches to FindDecoderFor and then DecodeByName, the
// one-call convenience path most callers want.
func Decode(data []byte) (*Image, error) {
	name := FindDecoderFor(data)
	if name == "" {
		return nil, fmt.Errorf("raster: unrecognised image format")
	}
	return DecodeByName(data, name)
}
