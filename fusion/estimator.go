// Package fusion implements the inertial-visual state estimator: an
// error-state Kalman filter propagated by IMU samples (prediction) and
// corrected by stereo landmark observations (fusion), plus the on-track/lost
// state machine with relocalization-based recovery.
package fusion

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/keypoints"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
)

// stateDim is the error-state dimension:
// [attitude(3), velocity(3), position(3), gyro bias(3), accel bias(3)].
const stateDim = 15

// Estimator fuses inertial samples and visual observations into a running
// pose estimate. Predict and Update must be called from a single goroutine;
// Pose and Status are snapshot reads and may run concurrently with them.
type Estimator struct {
	dev    *calib.Device
	cfg    *Config
	logger golog.Logger

	// mu guards the nominal state and status below
	mu     sync.RWMutex
	status TrackingStatus

	// nominal state: q rotates body-frame vectors into the map frame, p and
	// v are the body position and velocity in the map frame, biases are in
	// the body frame.
	q      quat.Number
	p, v   r3.Vector
	bg, ba r3.Vector
	cov    *mat.Dense

	imuToCam quat.Number
	gravity  float64

	lastIMU    sensordata.Timestamp
	haveIMU    bool
	accelSum   r3.Vector
	accelCount int

	initFrames   int
	missedFrames int
}

// NewEstimator returns an estimator in the UNINITIALIZED state.
func NewEstimator(dev *calib.Device, cfg *Config, logger golog.Logger) (*Estimator, error) {
	if dev == nil {
		return nil, errors.New("device calibration is required")
	}
	if cfg == nil {
		cfg = OnlineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc := dev.IMU.RotationToCamera
	imuToCam := spatial.Normalize(quat.Number{Real: rc[0], Imag: rc[1], Jmag: rc[2], Kmag: rc[3]})
	return &Estimator{
		dev:      dev,
		cfg:      cfg,
		logger:   logger,
		q:        quat.Number{Real: 1},
		cov:      initialCovariance(),
		imuToCam: imuToCam,
		gravity:  dev.IMU.Gravity(),
	}, nil
}

func initialCovariance() *mat.Dense {
	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < 3; i++ {
		p.Set(i, i, 1e-4)     // attitude
		p.Set(3+i, 3+i, 1e-2) // velocity
		p.Set(6+i, 6+i, 1e-4) // position
		p.Set(9+i, 9+i, 1e-4) // gyro bias
		p.Set(12+i, 12+i, 1e-3)
	}
	return p
}

// Status returns the current tracking status.
func (e *Estimator) Status() TrackingStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Pose returns the current pose estimate (mapping map coordinates to device
// coordinates) and whether it is valid. The pose is absent unless TRACKING.
func (e *Estimator) Pose() (spatial.Pose, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.poseLocked()
}

func (e *Estimator) poseLocked() (spatial.Pose, bool) {
	if e.status != Tracking {
		return spatial.NewPose(), false
	}
	return e.currentPose(), true
}

// currentPose converts the body-to-map nominal state into the map-to-device
// convention callers consume.
func (e *Estimator) currentPose() spatial.Pose {
	rInv := quat.Conj(e.q)
	return spatial.Pose{R: rInv, T: spatial.Rotate(rInv, e.p.Mul(-1))}
}

// setPose resets the nominal pose state from a map-to-device pose.
func (e *Estimator) setPose(pose spatial.Pose) {
	e.q = quat.Conj(pose.R)
	e.p = pose.Invert().T
}

// Predict propagates the motion state from one inertial sample. Between
// visual updates this is pure dead-reckoning; it keeps running while LOST.
// Samples must arrive in non-decreasing timestamp order.
func (e *Estimator) Predict(imu *sensordata.IMU) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// rotate IMU readings into the device (left camera) frame
	w := spatial.Rotate(e.imuToCam, imu.AngularVelocity).Sub(e.bg)
	a := spatial.Rotate(e.imuToCam, imu.Accel).Sub(e.ba)

	if !e.haveIMU {
		e.haveIMU = true
		e.lastIMU = imu.Timestamp
		e.accumulateGravity(a)
		return
	}
	dt := (imu.Timestamp - e.lastIMU).Seconds()
	e.lastIMU = imu.Timestamp
	if dt <= 0 {
		return
	}
	if dt > e.cfg.MaxIMUDTSec {
		// stream gap: cap the step, quality degrades but state stays sane
		dt = e.cfg.MaxIMUDTSec
	}

	if e.status == Uninitialized {
		// before gravity alignment integrating would only accumulate garbage
		e.accumulateGravity(a)
		return
	}

	gMap := r3.Vector{Z: e.gravity}
	aMap := spatial.Rotate(e.q, a).Add(gMap)

	e.q = spatial.Normalize(quat.Mul(e.q, spatial.QuatFromAxisAngle(w.Mul(dt))))
	e.p = e.p.Add(e.v.Mul(dt)).Add(aMap.Mul(0.5 * dt * dt))
	e.v = e.v.Add(aMap.Mul(dt))

	e.propagateCovariance(w, a, dt)
}

// accumulateGravity collects accelerometer readings while UNINITIALIZED so
// the initial orientation can be aligned with gravity.
func (e *Estimator) accumulateGravity(aBody r3.Vector) {
	e.accelSum = e.accelSum.Add(aBody)
	e.accelCount++
}

// propagateCovariance applies the first-order error-state transition
// P <- F P F^T + Q dt.
func (e *Estimator) propagateCovariance(w, a r3.Vector, dt float64) {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	// attitude error: dθ/dt = -[w]x dθ - dbg
	addBlock(f, 0, 0, skew(w), -dt)
	addBlock(f, 0, 9, eye3(), -dt)
	// velocity error: dv/dt = -R [a]x dθ - R dba
	rot := rotationMatrix(e.q)
	var rs mat.Dense
	rs.Mul(rot, skew(a))
	addBlock(f, 3, 0, &rs, -dt)
	addBlock(f, 3, 12, rot, -dt)
	// position error: dp/dt = dv
	addBlock(f, 6, 3, eye3(), dt)

	q := mat.NewDense(stateDim, stateDim, nil)
	gn := e.dev.IMU.GyroNoise * e.dev.IMU.GyroNoise
	an := e.dev.IMU.AccelNoise * e.dev.IMU.AccelNoise
	gw := e.dev.IMU.GyroBiasWalk * e.dev.IMU.GyroBiasWalk
	aw := e.dev.IMU.AccelBiasWalk * e.dev.IMU.AccelBiasWalk
	for i := 0; i < 3; i++ {
		q.Set(i, i, gn*dt)
		q.Set(3+i, 3+i, an*dt)
		q.Set(9+i, 9+i, gw*dt)
		q.Set(12+i, 12+i, aw*dt)
	}

	var fp, fpf mat.Dense
	fp.Mul(f, e.cov)
	fpf.Mul(&fp, f.T())
	fpf.Add(&fpf, q)
	e.cov = &fpf
}

// Update corrects the state from one frame's stereo observations against the
// map (which may be nil during bootstrap) and returns the resulting pose
// estimate and status. An empty observation set is a missed frame, not an
// error; sustained misses transition TRACKING to LOST.
func (e *Estimator) Update(observations []stereo.Observation, m *mapping.Map) (spatial.Pose, TrackingStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case Uninitialized:
		e.updateUninitialized(observations)
	case Tracking, Lost:
		e.updateTracking(observations, m)
	}
	pose, _ := e.poseLocked()
	return pose, e.status
}

// updateUninitialized counts consistent frames and establishes the initial
// gravity-aligned pose once enough have been seen.
func (e *Estimator) updateUninitialized(observations []stereo.Observation) {
	if len(observations) < e.cfg.MinInitObservations {
		e.initFrames = 0
		return
	}
	e.initFrames++
	if e.initFrames < e.cfg.MinInitFrames {
		return
	}
	// align the body z axis with the measured gravity direction; with no IMU
	// samples yet the initial orientation stays identity
	e.q = quat.Number{Real: 1}
	if e.accelCount > 0 {
		fMean := e.accelSum.Mul(1 / float64(e.accelCount))
		if fMean.Norm() > 1e-6 {
			// at rest the accelerometer measures -g in the body frame
			e.q = spatial.QuatBetweenVectors(fMean, r3.Vector{Z: -1})
		}
	}
	e.p = r3.Vector{}
	e.v = r3.Vector{}
	e.bg = r3.Vector{}
	e.ba = r3.Vector{}
	e.cov = initialCovariance()
	e.status = Tracking
	e.missedFrames = 0
	if e.logger != nil {
		e.logger.Infow("initialized", "frames", e.initFrames, "observations", len(observations))
	}
}

// landmarkMatch pairs one camera-frame observation with a map landmark.
type landmarkMatch struct {
	observed r3.Vector // left-camera frame
	landmark r3.Vector // map frame
}

// updateTracking runs data association and the Kalman correction, driving
// the TRACKING <-> LOST transitions.
func (e *Estimator) updateTracking(observations []stereo.Observation, m *mapping.Map) {
	if m == nil || m.LandmarkCount() == 0 {
		// nothing to correct against; prediction carries the state
		return
	}
	if e.status == Lost {
		e.relocalize(observations, m)
		return
	}
	matches := e.associate(observations, m)
	if len(matches) < e.cfg.MinInliers {
		e.missFrame(len(matches))
		return
	}

	inliers := e.correct(matches)
	if inliers < e.cfg.MinInliers {
		e.missFrame(inliers)
		return
	}
	e.missedFrames = 0
}

// missFrame records a frame without enough inliers and transitions to LOST
// after the configured run of consecutive misses.
func (e *Estimator) missFrame(inliers int) {
	e.missedFrames++
	if e.status == Tracking && e.missedFrames >= e.cfg.LostAfterFrames {
		e.status = Lost
		if e.logger != nil {
			e.logger.Warnw("tracking lost", "missed_frames", e.missedFrames, "last_inliers", inliers)
		}
	}
}

// associate matches observations to map landmarks near the predicted pose:
// the landmark must project close to the observed pixel and its descriptor
// must be within the Hamming gate. Lowest descriptor distance wins.
func (e *Estimator) associate(observations []stereo.Observation, m *mapping.Map) []landmarkMatch {
	if len(observations) == 0 {
		return nil
	}
	pose := e.currentPose()
	landmarks := m.Landmarks()
	matches := make([]landmarkMatch, 0, len(observations))
	for _, obs := range observations {
		bestDist := e.cfg.AssocMaxHamming + 1
		var best *mapping.Landmark
		for i := range landmarks {
			lm := &landmarks[i]
			inCam := pose.TransformPoint(lm.Position)
			if inCam.Z <= 0 {
				continue
			}
			px, py := e.dev.Left.PointToPixel(inCam)
			dx, dy := px-obs.Left.Point.X, py-obs.Left.Point.Y
			if math.Hypot(dx, dy) > e.cfg.AssocGatePx {
				continue
			}
			d := keypoints.HammingDistance(obs.Left.Descriptor, lm.Descriptor)
			if d < 0 || d >= bestDist {
				continue
			}
			bestDist = d
			best = lm
		}
		if best != nil {
			matches = append(matches, landmarkMatch{observed: obs.Point, landmark: best.Position})
		}
	}
	return matches
}

// correct applies the iterated Kalman correction and returns the final
// inlier count.
func (e *Estimator) correct(matches []landmarkMatch) int {
	inliers := matches
	for iter := 0; iter < e.cfg.Iterations; iter++ {
		inliers = e.gateInliers(matches)
		if len(inliers) < e.cfg.MinInliers {
			return len(inliers)
		}
		e.correctOnce(inliers)
	}
	return len(e.gateInliers(inliers))
}

// gateInliers keeps the matches whose residual against the current state is
// inside the inlier threshold.
func (e *Estimator) gateInliers(matches []landmarkMatch) []landmarkMatch {
	pose := e.currentPose()
	out := make([]landmarkMatch, 0, len(matches))
	for _, match := range matches {
		predicted := pose.TransformPoint(match.landmark)
		if match.observed.Sub(predicted).Norm() <= e.cfg.InlierThreshM {
			out = append(out, match)
		}
	}
	return out
}

// correctOnce performs one linearized EKF measurement update with 3D
// landmark residuals.
func (e *Estimator) correctOnce(matches []landmarkMatch) {
	k := len(matches)
	pose := e.currentPose()
	rotT := rotationMatrixTranspose(e.q)

	h := mat.NewDense(3*k, stateDim, nil)
	r := mat.NewVecDense(3*k, nil)
	for i, match := range matches {
		predicted := pose.TransformPoint(match.landmark)
		residual := match.observed.Sub(predicted)
		r.SetVec(3*i, residual.X)
		r.SetVec(3*i+1, residual.Y)
		r.SetVec(3*i+2, residual.Z)
		// h = R^T (l - p): dh/dθ = [h]x, dh/dp = -R^T
		hx := skew(predicted)
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				h.Set(3*i+row, col, hx.At(row, col))
				h.Set(3*i+row, 6+col, -rotT.At(row, col))
			}
		}
	}

	// S = H P H^T + R
	var ph, s mat.Dense
	ph.Mul(e.cov, h.T())
	s.Mul(h, &ph)
	for i := 0; i < 3*k; i++ {
		s.Set(i, i, s.At(i, i)+e.cfg.MeasNoiseM*e.cfg.MeasNoiseM)
	}

	// K = P H^T S^-1, via solving S K^T = H P
	var kt mat.Dense
	var hp mat.Dense
	hp.Mul(h, e.cov)
	if err := kt.Solve(&s, &hp); err != nil {
		if e.logger != nil {
			e.logger.Debugw("correction solve failed", "error", err)
		}
		return
	}
	gain := kt.T()

	var dx mat.VecDense
	dx.MulVec(gain, r)

	dTheta := r3.Vector{X: dx.AtVec(0), Y: dx.AtVec(1), Z: dx.AtVec(2)}
	e.q = spatial.Normalize(quat.Mul(e.q, spatial.QuatFromAxisAngle(dTheta)))
	e.v = e.v.Add(r3.Vector{X: dx.AtVec(3), Y: dx.AtVec(4), Z: dx.AtVec(5)})
	e.p = e.p.Add(r3.Vector{X: dx.AtVec(6), Y: dx.AtVec(7), Z: dx.AtVec(8)})
	e.bg = e.bg.Add(r3.Vector{X: dx.AtVec(9), Y: dx.AtVec(10), Z: dx.AtVec(11)})
	e.ba = e.ba.Add(r3.Vector{X: dx.AtVec(12), Y: dx.AtVec(13), Z: dx.AtVec(14)})

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(gain, h)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)
	var newCov mat.Dense
	newCov.Mul(ikh, e.cov)
	e.cov = &newCov
}
