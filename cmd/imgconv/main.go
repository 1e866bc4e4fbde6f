// Command imgconv converts images between the formats this module
// registers: PNG, GIF, WebP, JPEG, BMP, TIFF, and PNM decode and
// encode; ICO, TGA, PSD, and PVR are detected (info recognises them)
// but decode is not implemented.
//
// Usage:
//
//	imgconv convert [options] <input> <output>   convert by file extension
//	imgconv info <input>                          print format/dimensions/frame count
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepteams/imgcore"

	// Each codec package registers itself with the raster registry via
	// its own init(); importing for side effects is how main wires them
	// in, the same way stdlib programs blank-import image/png etc.
	_ "github.com/deepteams/imgcore/bmp"
	_ "github.com/deepteams/imgcore/gif"
	_ "github.com/deepteams/imgcore/ico"
	_ "github.com/deepteams/imgcore/jpeg"
	_ "github.com/deepteams/imgcore/png"
	_ "github.com/deepteams/imgcore/pnm"
	_ "github.com/deepteams/imgcore/psd"
	_ "github.com/deepteams/imgcore/pvr"
	_ "github.com/deepteams/imgcore/tga"
	_ "github.com/deepteams/imgcore/tiff"
	_ "github.com/deepteams/imgcore/webp"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "imgconv: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "imgconv: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  imgconv convert [options] <input> <output>   Convert by file extension
  imgconv info <input>                          Print format/dimensions/frames

Use "-" as input to read from stdin.

Run "imgconv <command> -h" for command-specific options.
`)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func extFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return strings.TrimPrefix(ext, ".")
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	inFormat := fs.String("from", "", "force input format (default: auto-detect from magic bytes)")
	outFormat := fs.String("to", "", "force output format (default: infer from output extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("convert: need <input> and <output>\nUsage: imgconv convert [options] <input> <output>")
	}
	inputPath, outputPath := fs.Arg(0), fs.Arg(1)

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("convert: reading input: %w", err)
	}

	var img *raster.Image
	if *inFormat != "" {
		img, err = raster.DecodeByName(data, *inFormat)
	} else {
		img, err = raster.Decode(data)
	}
	if err != nil {
		return fmt.Errorf("convert: decoding: %w", err)
	}

	to := *outFormat
	if to == "" {
		to = extFormat(outputPath)
	}
	if to == "" {
		return fmt.Errorf("convert: cannot infer output format from %q; pass -to", outputPath)
	}

	out, err := raster.EncodeByName(img, to)
	if err != nil {
		return fmt.Errorf("convert: encoding: %w", err)
	}

	if err := os.WriteFile(outputPath, out, 0o644); err != nil {
		return fmt.Errorf("convert: writing output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Converted %s → %s (%d bytes)\n", inputPath, outputPath, len(out))
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("info: missing input file\nUsage: imgconv info <input>")
	}
	inputPath := fs.Arg(0)

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("info: reading input: %w", err)
	}

	name := raster.FindDecoderFor(data)
	if name == "" {
		return fmt.Errorf("info: unrecognised format")
	}
	img, err := raster.DecodeByName(data, name)
	if err != nil {
		return fmt.Errorf("info: decoding: %w", err)
	}

	fmt.Printf("format:    %s\n", name)
	fmt.Printf("dims:      %dx%d\n", img.Width(), img.Height())
	fmt.Printf("channels:  %d\n", img.NumChannels())
	fmt.Printf("palette:   %v\n", img.HasPalette())
	fmt.Printf("frames:    %d\n", img.NumFrames())
	if img.NumFrames() > 1 {
		fmt.Printf("loopCount: %d\n", img.LoopCount())
	}
	return nil
}
