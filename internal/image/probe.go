// Package image probes media files for the pixel dimensions reported on
// findings.
package image

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Supported image format names.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// ErrUnsupported is returned for files whose format has no registered decoder.
var ErrUnsupported = errors.New("unsupported image format")

// DetectFormat reads the first bytes from r to identify the image format.
// The returned reader replays the consumed bytes.
func DetectFormat(r io.Reader) (format string, replay io.Reader, err error) {
	// 12 bytes covers every magic number below.
	buf := make([]byte, 12)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("reading header: %w", err)
	}
	buf = buf[:n]
	replay = io.MultiReader(bytes.NewReader(buf), r)

	switch {
	case n >= 3 && buf[0] == 0xFF && buf[1] == 0xD8 && buf[2] == 0xFF:
		return FormatJPEG, replay, nil
	case n >= 8 && string(buf[:8]) == "\x89PNG\r\n\x1a\n":
		return FormatPNG, replay, nil
	case n >= 6 && (string(buf[:6]) == "GIF87a" || string(buf[:6]) == "GIF89a"):
		return FormatGIF, replay, nil
	case n >= 12 && string(buf[:4]) == "RIFF" && string(buf[8:12]) == "WEBP":
		return FormatWebP, replay, nil
	case n >= 2 && string(buf[:2]) == "BM":
		return FormatBMP, replay, nil
	case n >= 4 && (string(buf[:4]) == "II*\x00" || string(buf[:4]) == "MM\x00*"):
		return FormatTIFF, replay, nil
	}
	return "", replay, ErrUnsupported
}

// GetDimensions decodes only the image header to read width and height.
func GetDimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("decoding image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Dimensions returns the pixel size of the image file at path. Files that
// are not images in a supported format return ErrUnsupported.
func Dimensions(path string) (width, height int, err error) {
	f, err := os.Open(path) //nolint:gosec // path is built from the uploads directory
	if err != nil {
		return 0, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	_, replay, err := DetectFormat(bufio.NewReader(f))
	if err != nil {
		return 0, 0, err
	}
	return GetDimensions(replay)
}

// IsImageMIME reports whether a MIME type names an image.
func IsImageMIME(mime string) bool {
	return strings.HasPrefix(strings.ToLower(mime), "image/")
}
