package extract

import "github.com/haidar-ali/card-scanner/internal/types"

// cropRegion slices a normalized rectangle out of a GRAY8 image.
// Returns an empty image if the rect clamps to nothing.
func cropRegion(img types.Image, rect types.NormalizedRect) types.Image {
	px := rect.ToPixels(img.Width, img.Height)
	px.Clamp(img.Width, img.Height)
	if px.Width <= 0 || px.Height <= 0 {
		return types.Image{}
	}

	out := types.Image{
		Width:  px.Width,
		Height: px.Height,
		Data:   make([]byte, px.Width*px.Height),
	}
	for row := 0; row < px.Height; row++ {
		srcOff := (px.Y+row)*img.Width + px.X
		copy(out.Data[row*px.Width:(row+1)*px.Width], img.Data[srcOff:srcOff+px.Width])
	}
	return out
}

// upscale enlarges a GRAY8 image by an integer factor using nearest-neighbor.
// Text extraction engines do markedly better on small ROI crops when they are
// handed more pixels, even without interpolation.
func upscale(img types.Image, factor int) types.Image {
	if factor <= 1 || img.Empty() {
		return img
	}

	w := img.Width * factor
	h := img.Height * factor
	out := types.Image{Width: w, Height: h, Data: make([]byte, w*h)}

	for y := 0; y < h; y++ {
		srcRow := (y / factor) * img.Width
		dstRow := y * w
		for x := 0; x < w; x++ {
			out.Data[dstRow+x] = img.Data[srcRow+x/factor]
		}
	}
	return out
}
