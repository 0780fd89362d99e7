package downloader

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/mitrofmep/imgload/imgload"
)

// scaleDown shrinks an image so that neither dimension exceeds maxDimension.
// Animated images are kept as is: scaling a single frame would drop the
// animation.
func scaleDown(img *imgload.Image, maxDimension int) *imgload.Image {
	if img.Animated() {
		return img
	}

	bounds := img.Pixels.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDimension && h <= maxDimension {
		return img
	}

	var scale float64
	if w > h {
		scale = float64(maxDimension) / float64(w)
	} else {
		scale = float64(maxDimension) / float64(h)
	}

	newW := max(int(float64(w)*scale), 1)
	newH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img.Pixels, bounds, draw.Src, nil)

	return &imgload.Image{
		Pixels:     dst,
		Format:     img.Format,
		FrameCount: 1,
	}
}
