// Package codec converts images between encoded bytes and decoded [image.Image].
//
// Supported input formats: jpeg, png, gif and webp. Assets are stored as jpeg
// (lossy) or png (lossless).
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	// Register decoders.
	_ "image/gif"

	_ "golang.org/x/image/webp"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

type ImageCodec struct {
	pngEncoder png.Encoder
}

var _ assetcache.Codec = (*ImageCodec)(nil)

func NewImageCodec() *ImageCodec {
	return &ImageCodec{
		pngEncoder: png.Encoder{
			CompressionLevel: png.DefaultCompression,
			BufferPool:       newPNGBufferPool(),
		},
	}
}

func (*ImageCodec) Decode(data []byte) (assetcache.Asset, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("couldn't decode image: %w", err)
	}
	return img, nil
}

func (c *ImageCodec) Encode(asset assetcache.Asset, format assetcache.Format) ([]byte, error) {
	if asset == nil {
		return nil, errors.New("nil image")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	if format.Lossless {
		if err := c.pngEncoder.Encode(buf, asset); err != nil {
			return nil, fmt.Errorf("couldn't encode png: %w", err)
		}
		return buf.Bytes(), nil
	}

	err := jpeg.Encode(buf, asset, &jpeg.Options{
		Quality: JPEGQuality(format.Quality),
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// JPEGQuality converts quality in range [0, 1] to jpeg quality in range [1, 100].
func JPEGQuality(quality float64) int {
	q := int(math.Round(quality * 100))
	return min(max(q, 1), 100)
}

// ApproximateCost returns the size of pixel buffers of a decoded image.
func (*ImageCodec) ApproximateCost(asset assetcache.Asset) int64 {
	switch img := asset.(type) {
	case nil:
		return 0
	case *image.RGBA:
		return int64(len(img.Pix))
	case *image.NRGBA:
		return int64(len(img.Pix))
	case *image.RGBA64:
		return int64(len(img.Pix))
	case *image.NRGBA64:
		return int64(len(img.Pix))
	case *image.Gray:
		return int64(len(img.Pix))
	case *image.Gray16:
		return int64(len(img.Pix))
	case *image.Alpha:
		return int64(len(img.Pix))
	case *image.Paletted:
		return int64(len(img.Pix) + len(img.Palette)*4)
	case *image.YCbCr:
		return int64(len(img.Y) + len(img.Cb) + len(img.Cr))
	case *image.NYCbCrA:
		return int64(len(img.Y) + len(img.Cb) + len(img.Cr) + len(img.A))
	case *image.CMYK:
		return int64(len(img.Pix))
	default:
		// Assume 4 bytes per pixel.
		b := img.Bounds()
		return int64(b.Dx()) * int64(b.Dy()) * 4
	}
}
