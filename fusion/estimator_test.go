package fusion

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/keypoints"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
	"github.com/visense/vislam/vocab"
)

func testDevice() *calib.Device {
	return &calib.Device{
		Left:   calib.Intrinsics{Width: 640, Height: 480, Fx: 460, Fy: 460, Ppx: 320, Ppy: 240},
		Right:  calib.Intrinsics{Width: 640, Height: 480, Fx: 460, Fy: 460, Ppx: 320, Ppy: 240},
		Stereo: calib.StereoExtrinsics{BaselineM: 0.12},
		IMU: calib.IMUExtrinsics{
			RotationToCamera: [4]float64{1, 0, 0, 0},
			GyroNoise:        0.005,
			AccelNoise:       0.05,
			SampleRateHz:     200,
		},
	}
}

// testConfig shrinks the frame thresholds so state transitions need few frames.
func testConfig() *Config {
	cfg := OnlineConfig()
	cfg.MinInitObservations = 2
	cfg.MinInitFrames = 3
	cfg.MinInliers = 3
	cfg.LostAfterFrames = 3
	cfg.RelocMinMatches = 4
	cfg.RelocMinInliers = 3
	return cfg
}

// testObservations builds n camera-frame observations on a grid at 2 m depth
// with pairwise-distinct descriptors, projection-consistent with the identity
// pose.
func testObservations(dev *calib.Device, n int) []stereo.Observation {
	observations := make([]stereo.Observation, 0, n)
	for i := 0; i < n; i++ {
		camPt := r3.Vector{
			X: -0.6 + 0.3*float64(i%5),
			Y: -0.3 + 0.3*float64(i/5),
			Z: 2.0,
		}
		px, py := dev.Left.PointToPixel(camPt)
		desc := keypoints.Descriptor{1 << uint(i), 0, 0, 0}
		observations = append(observations, stereo.Observation{
			Left:  stereo.Feature{Point: r2.Point{X: px, Y: py}, Descriptor: desc},
			Right: stereo.Feature{Descriptor: desc},
			Point: camPt,
		})
	}
	return observations
}

func testMap(t *testing.T, dev *calib.Device, observations []stereo.Observation) *mapping.Map {
	t.Helper()
	voc := &vocab.Vocabulary{Words: []keypoints.Descriptor{
		{0x0, 0x0, 0x0, 0x0},
		{0xffffffffffffffff, 0xffffffffffffffff, 0xffffffffffffffff, 0xffffffffffffffff},
	}}
	m, err := mapping.NewMap(dev, voc, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	m.Integrate(observations, spatial.NewPose())
	return m
}

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator(testDevice(), testConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return e
}

// initToTracking drives the estimator through the initialization window.
func initToTracking(t *testing.T, e *Estimator, observations []stereo.Observation) {
	t.Helper()
	for i := 0; i < e.cfg.MinInitFrames; i++ {
		e.Update(observations, nil)
	}
	test.That(t, e.Status(), test.ShouldEqual, Tracking)
}

func TestNewEstimatorValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewEstimator(nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad := OnlineConfig()
	bad.Iterations = 0
	_, err = NewEstimator(testDevice(), bad, logger)
	test.That(t, err, test.ShouldNotBeNil)

	e, err := NewEstimator(testDevice(), nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.Status(), test.ShouldEqual, Uninitialized)
	_, hasPose := e.Pose()
	test.That(t, hasPose, test.ShouldBeFalse)
}

func TestInitializationRequiresConsecutiveFrames(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	good := testObservations(dev, 5)

	e.Update(good, nil)
	e.Update(good, nil)
	test.That(t, e.Status(), test.ShouldEqual, Uninitialized)

	// a sparse frame resets the consecutive count
	e.Update(testObservations(dev, 1), nil)
	e.Update(good, nil)
	e.Update(good, nil)
	test.That(t, e.Status(), test.ShouldEqual, Uninitialized)

	_, status := e.Update(good, nil)
	test.That(t, status, test.ShouldEqual, Tracking)
	pose, hasPose := e.Pose()
	test.That(t, hasPose, test.ShouldBeTrue)
	test.That(t, pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestPredictAtRestDoesNotDrift(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	gravity := dev.IMU.Gravity()

	atRest := func(ts sensordata.Timestamp) *sensordata.IMU {
		return &sensordata.IMU{Timestamp: ts, Accel: r3.Vector{Z: -gravity}}
	}
	for i := 0; i < 20; i++ {
		e.Predict(atRest(sensordata.Timestamp(i * 5_000_000)))
	}
	initToTracking(t, e, testObservations(dev, 5))

	for i := 20; i < 220; i++ {
		e.Predict(atRest(sensordata.Timestamp(i * 5_000_000)))
	}
	pose, hasPose := e.Pose()
	test.That(t, hasPose, test.ShouldBeTrue)
	test.That(t, pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestGravityAlignmentTiltedDevice(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	gravity := dev.IMU.Gravity()

	// device on its side: gravity along the body x axis
	tilted := func(ts sensordata.Timestamp) *sensordata.IMU {
		return &sensordata.IMU{Timestamp: ts, Accel: r3.Vector{X: -gravity}}
	}
	for i := 0; i < 20; i++ {
		e.Predict(tilted(sensordata.Timestamp(i * 5_000_000)))
	}
	initToTracking(t, e, testObservations(dev, 5))

	// with the orientation gravity-aligned, resting samples cancel out
	for i := 20; i < 220; i++ {
		e.Predict(tilted(sensordata.Timestamp(i * 5_000_000)))
	}
	pose, hasPose := e.Pose()
	test.That(t, hasPose, test.ShouldBeTrue)
	test.That(t, pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestPredictIgnoresNonPositiveDT(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	initToTracking(t, e, testObservations(dev, 5))

	imu := &sensordata.IMU{Timestamp: 1_000_000, Accel: r3.Vector{Z: -dev.IMU.Gravity()}}
	e.Predict(imu)
	pose1, _ := e.Pose()
	// the same timestamp again must not advance the state
	e.Predict(imu)
	pose2, _ := e.Pose()
	test.That(t, pose2, test.ShouldResemble, pose1)
}

func TestUpdateConsistentObservationsKeepPose(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	observations := testObservations(dev, 10)
	m := testMap(t, dev, observations)
	initToTracking(t, e, observations)

	for i := 0; i < 5; i++ {
		pose, status := e.Update(observations, m)
		test.That(t, status, test.ShouldEqual, Tracking)
		test.That(t, pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
	}
}

func TestTrackingToLost(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	observations := testObservations(dev, 10)
	m := testMap(t, dev, observations)
	initToTracking(t, e, observations)

	// two barren frames are degradation, not loss
	e.Update(nil, m)
	_, status := e.Update(nil, m)
	test.That(t, status, test.ShouldEqual, Tracking)

	// a good frame resets the run of misses
	e.Update(observations, m)
	e.Update(nil, m)
	_, status = e.Update(nil, m)
	test.That(t, status, test.ShouldEqual, Tracking)

	_, status = e.Update(nil, m)
	test.That(t, status, test.ShouldEqual, Lost)
	_, hasPose := e.Pose()
	test.That(t, hasPose, test.ShouldBeFalse)
}

func TestRelocalization(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	observations := testObservations(dev, 10)
	m := testMap(t, dev, observations)
	initToTracking(t, e, observations)

	for i := 0; i < e.cfg.LostAfterFrames; i++ {
		e.Update(nil, m)
	}
	test.That(t, e.Status(), test.ShouldEqual, Lost)

	// seeing the mapped scene again recovers the pose
	pose, status := e.Update(observations, m)
	test.That(t, status, test.ShouldEqual, Tracking)
	test.That(t, pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-6)

	// and tracking continues normally afterwards
	_, status = e.Update(observations, m)
	test.That(t, status, test.ShouldEqual, Tracking)
}

func TestUpdateWithoutMapHoldsState(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	observations := testObservations(dev, 10)
	initToTracking(t, e, observations)

	// no map to correct against: prediction carries the state, no LOST spiral
	for i := 0; i < 10; i++ {
		_, status := e.Update(nil, nil)
		test.That(t, status, test.ShouldEqual, Tracking)
	}
}

func TestConcurrentSnapshotReads(t *testing.T) {
	e := newTestEstimator(t)
	dev := testDevice()
	observations := testObservations(dev, 10)
	m := testMap(t, dev, observations)
	initToTracking(t, e, observations)

	// pose and status snapshots run concurrently with prediction and update
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			e.Pose()
			e.Status()
		}
	}()
	gravity := dev.IMU.Gravity()
	for i := 0; i < 500; i++ {
		e.Predict(&sensordata.IMU{
			Timestamp: sensordata.Timestamp(i * 5_000_000),
			Accel:     r3.Vector{Z: -gravity},
		})
		if i%10 == 0 {
			e.Update(observations, m)
		}
	}
	<-done
	test.That(t, e.Status(), test.ShouldEqual, Tracking)
}

func TestStatusString(t *testing.T) {
	test.That(t, Uninitialized.String(), test.ShouldEqual, "UNINITIALIZED")
	test.That(t, Tracking.String(), test.ShouldEqual, "TRACKING")
	test.That(t, Lost.String(), test.ShouldEqual, "LOST")
}
