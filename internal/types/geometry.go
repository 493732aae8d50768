package types

import "math"

// Point is a 2D point in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Quad is the four corners of a detected card, ordered
// top-left, top-right, bottom-right, bottom-left.
type Quad [4]Point

// Center returns the centroid of the quad.
func (q Quad) Center() Point {
	var cx, cy float64
	for _, p := range q {
		cx += p.X
		cy += p.Y
	}
	return Point{X: cx / 4, Y: cy / 4}
}

// Rotation returns the angle (radians) of the top edge relative to horizontal.
func (q Quad) Rotation() float64 {
	return math.Atan2(q[1].Y-q[0].Y, q[1].X-q[0].X)
}

// FallbackQuad returns a centered quad covering most of a frame, used when
// card detection fails so the pipeline keeps producing some pose.
func FallbackQuad(frameWidth, frameHeight int) Quad {
	w := float64(frameWidth)
	h := float64(frameHeight)
	return Quad{
		{X: w * 0.1, Y: h * 0.1},
		{X: w * 0.9, Y: h * 0.1},
		{X: w * 0.9, Y: h * 0.9},
		{X: w * 0.1, Y: h * 0.9},
	}
}

// Homography is a row-major 3x3 planar transform mapping the detected quad
// to the canonical card rectangle.
type Homography [9]float64

// IdentityHomography returns the identity transform.
func IdentityHomography() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// MaxCellDelta returns the largest absolute per-cell difference between two
// homographies. Used to decide whether cached ROI crops are still valid.
func (h Homography) MaxCellDelta(other Homography) float64 {
	var max float64
	for i := range h {
		d := math.Abs(h[i] - other[i])
		if d > max {
			max = d
		}
	}
	return max
}

// NormalizedRect is a rectangle in normalized [0,1] coordinates relative to
// the rectified card crop. Resolution-agnostic by construction.
type NormalizedRect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// ToPixels converts normalized coordinates to pixel coordinates for a given
// image size.
func (r NormalizedRect) ToPixels(imgWidth, imgHeight int) PixelRect {
	return PixelRect{
		X:      int(r.X * float64(imgWidth)),
		Y:      int(r.Y * float64(imgHeight)),
		Width:  int(r.Width * float64(imgWidth)),
		Height: int(r.Height * float64(imgHeight)),
	}
}

// Valid reports whether the rect lies inside the unit square with positive area.
func (r NormalizedRect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= 1.0 && r.Y+r.Height <= 1.0
}

// PixelRect is a rectangle in pixel coordinates.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the pixel area of the rectangle.
func (r PixelRect) Area() int {
	return r.Width * r.Height
}

// Clamp constrains the rectangle to the given image dimensions.
func (r *PixelRect) Clamp(imgWidth, imgHeight int) {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > imgWidth {
		r.Width = imgWidth - r.X
	}
	if r.Y+r.Height > imgHeight {
		r.Height = imgHeight - r.Y
	}
}
