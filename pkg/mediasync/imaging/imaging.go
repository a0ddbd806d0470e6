// Package imaging holds the image operations used by derivative processing:
// dimension probing, JPEG conversion and thumbnail generation.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	// Registered decoders
	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// CanonicalMimeType is the format every derivative is written in.
const CanonicalMimeType = "image/jpeg"

// DefaultQuality is the JPEG quality used for derivatives.
const DefaultQuality = 85

// DefaultSizes is the default thumbnail specification.
const DefaultSizes = "small:150x150,medium:512x512,large:1024x1024"

// Size is a named bounding box for a thumbnail.
type Size struct {
	Name   string
	Width  int
	Height int
}

// ParseSizes parses "name:WxH,name:WxH". Sizes are returned largest first so
// each thumbnail can be derived from the previous one.
func ParseSizes(spec string) ([]Size, error) {
	var sizes []Size
	seen := make(map[string]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dims, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid thumbnail size %q: expected name:WxH", part)
		}
		ws, hs, ok := strings.Cut(strings.ToLower(dims), "x")
		if !ok {
			return nil, fmt.Errorf("invalid thumbnail size %q: expected name:WxH", part)
		}
		w, err := strconv.Atoi(ws)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid width in thumbnail size %q", part)
		}
		h, err := strconv.Atoi(hs)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid height in thumbnail size %q", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate thumbnail size %q", name)
		}
		seen[name] = true
		sizes = append(sizes, Size{Name: name, Width: w, Height: h})
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no thumbnail sizes in %q", spec)
	}
	sort.SliceStable(sizes, func(i, j int) bool {
		return sizes[i].Width*sizes[i].Height > sizes[j].Width*sizes[j].Height
	})
	return sizes, nil
}

// MustParseSizes is ParseSizes for constant specifications.
func MustParseSizes(spec string) []Size {
	sizes, err := ParseSizes(spec)
	if err != nil {
		panic(err)
	}
	return sizes
}

// DetectMimeType sniffs the content type from the first bytes of data.
func DetectMimeType(data []byte) string {
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// IsImage reports whether mimeType is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// Dimensions reads the pixel size without decoding the whole image.
func Dimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Decode decodes any registered image format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// EncodeJPEG encodes img as JPEG. Transparent areas are flattened onto white.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales img down to fit inside size, preserving aspect ratio.
// Images already inside the box are returned unchanged.
func Thumbnail(img image.Image, size Size) image.Image {
	return resize.Thumbnail(uint(size.Width), uint(size.Height), img, resize.Lanczos3)
}

func flatten(img image.Image) image.Image {
	switch img.(type) {
	case *image.YCbCr, *image.Gray, *image.CMYK:
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
