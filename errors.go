package raster

import "fmt"

// UsageError is a library error: a caller mistake such as an
// out-of-range frame index or an incompatible frame added to an Image,
// as distinct from a format error (malformed bytes), which decoders
// report by returning a nil Image instead of raising an error.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string { return fmt.Sprintf("raster: %s: %v", e.Op, e.Err) }
func (e *UsageError) Unwrap() error { return e.Err }

func usageError(op string, err error) *UsageError {
	return &UsageError{Op: op, Err: err}
}

// Sentinel causes wrapped by UsageError.
var (
	ErrFrameMismatch  = fmt.Errorf("frame does not match (width, height, format, channels, palette) of frame 0")
	ErrFrameIndexOOR  = fmt.Errorf("frame index out of range")
	ErrNilImage       = fmt.Errorf("nil image")
)
