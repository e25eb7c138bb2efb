// Package imageutil shrinks drug photos before they are stored or sent to
// the vision model.
package imageutil

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// ReferenceWidth is the max width of photos attached to a drug.
	ReferenceWidth = 400
	// ScanWidth is the max width of prescription and bag photos.
	ScanWidth = 800
	// Quality is the JPEG quality of every re-encoded image.
	Quality = 60

	minCompressLen = 500
)

var ErrNotDataURI = errors.New("not a base64 data uri")

// Compress rewrites a data URI as a smaller JPEG data URI. Remote URLs,
// short strings and anything that cannot be decoded come back unchanged.
func Compress(source string, maxWidth int) string {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return source
	}
	if len(source) < minCompressLen {
		return source
	}
	data, err := decodeDataURI(source)
	if err != nil {
		return source
	}
	out, err := CompressBytes(data, maxWidth)
	if err != nil {
		return source
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(out)
}

// CompressBytes decodes an image, scales it down to maxWidth keeping the
// aspect ratio and encodes it as JPEG.
func CompressBytes(data []byte, maxWidth int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img := scale(src, maxWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func scale(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth <= 0 || w <= maxWidth {
		return src
	}
	nh := h * maxWidth / w
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func decodeDataURI(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, ErrNotDataURI
	}
	meta, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, ErrNotDataURI
	}
	return base64.StdEncoding.DecodeString(payload)
}
