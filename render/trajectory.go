package render

import (
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r3"

	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/spatial"
)

const (
	defaultTrajectorySizePx = 500
	trailWindowSec          = 3.0
	axisLengthM             = 1.0
)

// TrajectoryDrawer accumulates pose estimates and renders a top-down view of
// the device trajectory: the full path in gray, the last few seconds in
// green, and the current device axes at one meter scale, x in blue and y in
// red. The view zooms out automatically to keep the whole path visible.
type TrajectoryDrawer struct {
	sizePx  int
	extentM float64
	trail   []trailSample
}

type trailSample struct {
	time sensordata.Timestamp
	pos  r3.Vector
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NewTrajectoryDrawer returns a drawer with a square canvas of the given side
// length; non-positive sizes fall back to the default.
func NewTrajectoryDrawer(sizePx int) *TrajectoryDrawer {
	if sizePx <= 0 {
		sizePx = defaultTrajectorySizePx
	}
	return &TrajectoryDrawer{sizePx: sizePx, extentM: 2 * axisLengthM}
}

// Add appends a pose estimate to the trajectory. Poses with a non-finite
// position are dropped; doubling the extent would never catch up with them.
func (d *TrajectoryDrawer) Add(t sensordata.Timestamp, pose spatial.Pose) {
	pos := pose.Invert().T
	if !isFinite(pos.X) || !isFinite(pos.Y) || !isFinite(pos.Z) {
		return
	}
	d.trail = append(d.trail, trailSample{time: t, pos: pos})
	for _, m := range []float64{pos.X, pos.Y, -pos.X, -pos.Y} {
		for m+axisLengthM > d.extentM {
			d.extentM *= 2
		}
	}
}

// Draw renders the current trajectory.
func (d *TrajectoryDrawer) Draw(pose spatial.Pose, hasPose bool) image.Image {
	dc := gg.NewContext(d.sizePx, d.sizePx)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	scale := float64(d.sizePx) / (2 * d.extentM)
	toCanvas := func(p r3.Vector) (float64, float64) {
		// map x right, map y up
		return float64(d.sizePx)/2 + p.X*scale, float64(d.sizePx)/2 - p.Y*scale
	}

	dc.SetLineWidth(1)
	var cutoff sensordata.Timestamp
	if n := len(d.trail); n > 0 {
		cutoff = d.trail[n-1].time - sensordata.Timestamp(trailWindowSec*1e9)
	}
	for i := 1; i < len(d.trail); i++ {
		x0, y0 := toCanvas(d.trail[i-1].pos)
		x1, y1 := toCanvas(d.trail[i].pos)
		dc.DrawLine(x0, y0, x1, y1)
		if d.trail[i].time >= cutoff {
			dc.SetRGB(0, 1, 0)
		} else {
			dc.SetRGB(0.5, 0.5, 0.5)
		}
		dc.Stroke()
	}

	if hasPose {
		devToMap := pose.Invert()
		cx, cy := toCanvas(devToMap.T)
		xTip := devToMap.T.Add(spatial.Rotate(devToMap.R, r3.Vector{X: axisLengthM}))
		yTip := devToMap.T.Add(spatial.Rotate(devToMap.R, r3.Vector{Y: axisLengthM}))

		dc.SetLineWidth(2)
		x1, y1 := toCanvas(xTip)
		dc.DrawLine(cx, cy, x1, y1)
		dc.SetRGB(0, 0, 1)
		dc.Stroke()
		x1, y1 = toCanvas(yTip)
		dc.DrawLine(cx, cy, x1, y1)
		dc.SetRGB(1, 0, 0)
		dc.Stroke()
	}
	return dc.Image()
}
