package imgload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
)

var ErrUnsupportedImageFormat = errors.New("unsupported image format")

// Image is a decoded image together with its source format. For animated
// images Pixels holds the first frame.
type Image struct {
	Pixels     image.Image
	Format     string
	FrameCount int
}

// Animated reports whether the image is a multi-frame sequence.
func (img *Image) Animated() bool {
	return img.FrameCount > 1
}

// DecodeImage decodes raw image bytes. Supported formats: jpeg, png, gif.
func DecodeImage(data []byte) (*Image, error) {
	pixels, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImageFormat, err)
	}

	frameCount := 1
	if format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err == nil {
			frameCount = len(g.Image)
		}
	}

	return &Image{
		Pixels:     pixels,
		Format:     format,
		FrameCount: frameCount,
	}, nil
}

// EncodeImage serializes an image back to bytes in its source format. It is
// the default serializer used when no [Hooks.Serialize] is configured and
// the original bytes can't be reused (for example, after a transform).
func EncodeImage(img *Image) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	var err error
	switch img.Format {
	case "png":
		err = png.Encode(buf, img.Pixels)
	case "gif":
		err = gif.Encode(buf, img.Pixels, nil)
	default:
		err = jpeg.Encode(buf, img.Pixels, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't encode %q image: %w", img.Format, err)
	}
	return buf.Bytes(), nil
}
