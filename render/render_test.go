package render

import (
	"image"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
)

func testDevice() *calib.Device {
	return &calib.Device{
		Left:   calib.Intrinsics{Width: 160, Height: 120, Fx: 460, Fy: 460, Ppx: 80, Ppy: 60},
		Right:  calib.Intrinsics{Width: 160, Height: 120, Fx: 460, Fy: 460, Ppx: 80, Ppy: 60},
		Stereo: calib.StereoExtrinsics{BaselineM: 0.12},
		IMU: calib.IMUExtrinsics{
			RotationToCamera: [4]float64{1, 0, 0, 0},
			GyroNoise:        0.005,
			AccelNoise:       0.05,
			SampleRateHz:     200,
		},
	}
}

func emptyState(t *testing.T) *stereo.State {
	t.Helper()
	engine, err := stereo.NewEngine(testDevice(), nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	state := stereo.NewState()
	engine.Process(&sensordata.Stereo{
		Timestamp: 1,
		Left:      image.NewGray(image.Rect(0, 0, 160, 120)),
		Right:     image.NewGray(image.Rect(0, 0, 160, 120)),
	}, state, true)
	return state
}

func TestDrawFeatures(t *testing.T) {
	state := emptyState(t)
	left := image.NewGray(image.Rect(0, 0, 160, 120))
	right := image.NewGray(image.Rect(0, 0, 160, 120))

	img, err := DrawFeatures(left, right, state)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 320)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 120)

	_, err = DrawFeatures(nil, right, state)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDrawStereoObservations(t *testing.T) {
	state := emptyState(t)
	left := image.NewGray(image.Rect(0, 0, 160, 120))

	img, err := DrawStereoObservations(left, state, 0.08, 4.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 160)

	_, err = DrawStereoObservations(left, state, 4.0, 0.08)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = DrawStereoObservations(nil, state, 0.08, 4.0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrajectoryDrawer(t *testing.T) {
	drawer := NewTrajectoryDrawer(0)

	// no poses yet still renders an empty canvas of the default size
	img := drawer.Draw(spatial.NewPose(), false)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, defaultTrajectorySizePx)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, defaultTrajectorySizePx)

	var ts sensordata.Timestamp
	pose := spatial.NewPose()
	for i := 0; i < 10; i++ {
		ts += 100_000_000
		pose = spatial.NewPoseFromOrientationTranslation(
			pose.R, r3.Vector{X: float64(i) * 0.05},
		)
		drawer.Add(ts, pose)
	}
	img = drawer.Draw(pose, true)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, defaultTrajectorySizePx)

	// a far-away pose forces the view to zoom out, not to panic
	far := spatial.NewPoseFromOrientationTranslation(pose.R, r3.Vector{X: -40})
	drawer.Add(ts+100_000_000, far)
	test.That(t, drawer.extentM, test.ShouldBeGreaterThanOrEqualTo, 41.0)
	img = drawer.Draw(far, true)
	test.That(t, img, test.ShouldNotBeNil)
}

func TestTrajectoryDrawerDropsNonFinitePoses(t *testing.T) {
	drawer := NewTrajectoryDrawer(64)
	drawer.Add(1, spatial.NewPose())
	before := drawer.extentM

	r := spatial.NewPose().R
	drawer.Add(2, spatial.NewPoseFromOrientationTranslation(r, r3.Vector{X: math.Inf(1)}))
	drawer.Add(3, spatial.NewPoseFromOrientationTranslation(r, r3.Vector{Y: math.NaN()}))
	test.That(t, drawer.extentM, test.ShouldEqual, before)
	test.That(t, drawer.trail, test.ShouldHaveLength, 1)

	img := drawer.Draw(spatial.NewPose(), true)
	test.That(t, img, test.ShouldNotBeNil)
}

func TestTrajectoryDrawerCustomSize(t *testing.T) {
	drawer := NewTrajectoryDrawer(64)
	drawer.Add(1, spatial.NewPose())
	img := drawer.Draw(spatial.NewPose(), true)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 64)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 64)
}
