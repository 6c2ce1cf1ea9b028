// Package render draws feature engine and tracking output for debugging.
// Everything here is a read-only consumer of the pipeline state.
package render

import (
	"image"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/visense/vislam/stereo"
)

// featureRadius is the circle radius used when plotting 2D features.
const featureRadius = 3.0

// DrawFeatures renders the left and right images side by side with the
// detected 2D features circled in blue.
func DrawFeatures(left, right *image.Gray, state *stereo.State) (image.Image, error) {
	if left == nil || right == nil {
		return nil, errors.New("both images are required")
	}
	lb, rb := left.Bounds(), right.Bounds()
	w := lb.Dx() + rb.Dx()
	h := lb.Dy()
	if rb.Dy() > h {
		h = rb.Dy()
	}
	dc := gg.NewContext(w, h)
	dc.DrawImage(left, 0, 0)
	dc.DrawImage(right, lb.Dx(), 0)

	dc.SetRGBA(0, 0, 1, 0.8)
	dc.SetLineWidth(1)
	featsL, featsR := state.Features2D()
	for _, f := range featsL {
		dc.DrawCircle(f.Point.X, f.Point.Y, featureRadius)
		dc.Stroke()
	}
	offX := float64(lb.Dx())
	for _, f := range featsR {
		dc.DrawCircle(f.Point.X+offX, f.Point.Y, featureRadius)
		dc.Stroke()
	}
	return dc.Image(), nil
}

// DrawStereoObservations renders the left image with the stereo-matched
// observations colored by depth, blue at minDepth through red at maxDepth.
func DrawStereoObservations(left *image.Gray, state *stereo.State, minDepth, maxDepth float64) (image.Image, error) {
	if left == nil {
		return nil, errors.New("left image is required")
	}
	if maxDepth <= minDepth {
		return nil, errors.Errorf("invalid depth range [%f, %f]", minDepth, maxDepth)
	}
	b := left.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(left, 0, 0)

	for _, obs := range state.Observations() {
		t := (obs.Point.Z - minDepth) / (maxDepth - minDepth)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		dc.SetRGB(t, 0, 1-t)
		dc.DrawCircle(obs.Left.Point.X, obs.Left.Point.Y, featureRadius)
		dc.Fill()
	}
	return dc.Image(), nil
}
