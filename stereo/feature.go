// Package stereo implements the per-frame feature engine: 2D detection on
// both rectified images, left/right descriptor matching under the epipolar
// constraint, and disparity triangulation into left-camera-frame 3D points.
package stereo

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/keypoints"
	"github.com/visense/vislam/sensordata"
)

// Feature is a 2D feature in one image plane: pixel location, binary
// descriptor, and a stable track identifier correlating the same physical
// point across frames.
type Feature struct {
	Point      r2.Point
	Descriptor keypoints.Descriptor
	TrackID    uint64
}

// Observation is a stereo-matched feature pair with its triangulated 3D point
// in the left camera frame at capture time. Accepted observations always have
// depth inside the engine's plausible range.
type Observation struct {
	Left  Feature
	Right Feature
	Point r3.Vector
}

// State transiently holds the most recent feature engine output. It is
// overwritten on every stereo sample and never persisted.
type State struct {
	left         []Feature
	right        []Feature
	observations []Observation
}

// NewState returns an empty feature state.
func NewState() *State {
	return &State{}
}

// Features2D returns the 2D features last detected in the left and right
// images.
func (s *State) Features2D() ([]Feature, []Feature) {
	return s.left, s.right
}

// Observations returns the stereo observations from the last processed pair.
// Empty when the pair produced no valid matches.
func (s *State) Observations() []Observation {
	return s.observations
}

func (s *State) reset() {
	s.left = s.left[:0]
	s.right = s.right[:0]
	s.observations = s.observations[:0]
}

// Config holds the tunable policy of the feature engine.
type Config struct {
	ORB      *keypoints.ORBConfig      `json:"orb"`
	Matching *keypoints.MatchingConfig `json:"matching"`
	// EpipolarTolPx bounds the row disagreement of a rectified stereo match.
	EpipolarTolPx float64 `json:"epipolar_tol_px"`
	// MaxReprojErrPx bounds the reprojection error of a triangulated point.
	MaxReprojErrPx float64 `json:"max_reproj_err_px"`
	// MinDepthM / MaxDepthM delimit the plausible depth range; points outside
	// indicate bad matches and are dropped.
	MinDepthM float64 `json:"min_depth_m"`
	MaxDepthM float64 `json:"max_depth_m"`
	// TrackMaxDist is the descriptor distance bound when carrying track IDs
	// across consecutive frames.
	TrackMaxDist int `json:"track_max_dist"`
}

// DefaultConfig returns the feature engine policy used when a caller does not
// provide any. The depth range matches the device's usable stereo range.
func DefaultConfig() *Config {
	return &Config{
		ORB:            keypoints.DefaultORBConfig(),
		Matching:       keypoints.DefaultMatchingConfig(),
		EpipolarTolPx:  2.0,
		MaxReprojErrPx: 1.5,
		MinDepthM:      0.08,
		MaxDepthM:      4.0,
		TrackMaxDist:   48,
	}
}

// Validate ensures the config is usable.
func (cfg *Config) Validate() error {
	if cfg.ORB == nil {
		return errors.New("orb config is required")
	}
	if err := cfg.ORB.Validate(); err != nil {
		return err
	}
	if cfg.Matching == nil {
		return errors.New("matching config is required")
	}
	if cfg.MinDepthM <= 0 || cfg.MaxDepthM <= cfg.MinDepthM {
		return errors.Errorf("invalid depth range [%f, %f]", cfg.MinDepthM, cfg.MaxDepthM)
	}
	if cfg.EpipolarTolPx <= 0 || cfg.MaxReprojErrPx <= 0 {
		return errors.New("epipolar tolerance and reprojection bound must be positive")
	}
	return nil
}

// Engine detects, matches and triangulates stereo features. Detection is
// deterministic for identical pixel input and a fixed configuration.
type Engine struct {
	dev    *calib.Device
	cfg    *Config
	sp     *keypoints.SamplePairs
	logger golog.Logger

	nextTrackID uint64
	prevDescs   keypoints.Descriptors
	prevIDs     []uint64
}

// NewEngine returns a feature engine for the given device calibration.
func NewEngine(dev *calib.Device, cfg *Config, logger golog.Logger) (*Engine, error) {
	if dev == nil {
		return nil, errors.New("device calibration is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sp := keypoints.GenerateSamplePairs(cfg.ORB.BRIEFConf.Sampling, cfg.ORB.BRIEFConf.N, cfg.ORB.BRIEFConf.PatchSize)
	return &Engine{dev: dev, cfg: cfg, sp: sp, logger: logger, nextTrackID: 1}, nil
}

// Process runs detection, stereo matching and (if with3D) triangulation on a
// stereo sample and updates state in place. A pair that is invalid,
// mismatched in size, or yields zero valid matches produces an empty but
// valid state; this is not an error.
func (e *Engine) Process(d *sensordata.Stereo, state *State, with3D bool) {
	state.reset()
	if err := d.CheckValid(); err != nil {
		e.logger.Debugw("dropping invalid stereo pair", "error", err)
		return
	}
	descsL, kpsL, err := keypoints.ComputeORBKeypoints(d.Left, e.sp, e.cfg.ORB)
	if err != nil {
		e.logger.Debugw("left detection failed", "error", err)
		return
	}
	descsR, kpsR, err := keypoints.ComputeORBKeypoints(d.Right, e.sp, e.cfg.ORB)
	if err != nil {
		e.logger.Debugw("right detection failed", "error", err)
		return
	}

	state.left = e.buildTrackedFeatures(descsL, kpsL)
	state.right = buildFeatures(descsR, kpsR)

	matches := keypoints.MatchDescriptors(descsL, descsR, e.cfg.Matching)
	for _, m := range matches {
		left := state.left[m.Idx1]
		right := state.right[m.Idx2]
		if !e.epipolarOK(left.Point, right.Point) {
			continue
		}
		if !with3D {
			state.observations = append(state.observations, Observation{Left: left, Right: right})
			continue
		}
		pt, ok := e.triangulate(left.Point, right.Point)
		if !ok {
			continue
		}
		state.observations = append(state.observations, Observation{Left: left, Right: right, Point: pt})
	}
}

// buildTrackedFeatures assembles left features, carrying track IDs from the
// previous frame where the descriptor still matches, and assigning fresh IDs
// otherwise.
func (e *Engine) buildTrackedFeatures(descs keypoints.Descriptors, kps keypoints.KeyPoints) []Feature {
	feats := buildFeatures(descs, kps)
	if len(e.prevDescs) > 0 {
		trackCfg := &keypoints.MatchingConfig{
			DoCrossCheck: true,
			MaxDist:      e.cfg.TrackMaxDist,
			MaxRatio:     e.cfg.Matching.MaxRatio,
		}
		matches := keypoints.MatchDescriptors(descs, e.prevDescs, trackCfg)
		for _, m := range matches {
			feats[m.Idx1].TrackID = e.prevIDs[m.Idx2]
		}
	}
	ids := make([]uint64, len(feats))
	for i := range feats {
		if feats[i].TrackID == 0 {
			feats[i].TrackID = e.nextTrackID
			e.nextTrackID++
		}
		ids[i] = feats[i].TrackID
	}
	e.prevDescs = descs
	e.prevIDs = ids
	return feats
}

func buildFeatures(descs keypoints.Descriptors, kps keypoints.KeyPoints) []Feature {
	feats := make([]Feature, len(descs))
	for i := range descs {
		feats[i] = Feature{
			Point:      r2.Point{X: float64(kps[i].X), Y: float64(kps[i].Y)},
			Descriptor: descs[i],
		}
	}
	return feats
}

// epipolarOK enforces the rectified epipolar constraint: matched features lie
// on (nearly) the same row with positive disparity inside the range implied
// by the depth bounds.
func (e *Engine) epipolarOK(left, right r2.Point) bool {
	if dy := left.Y - right.Y; dy > e.cfg.EpipolarTolPx || dy < -e.cfg.EpipolarTolPx {
		return false
	}
	disparity := left.X - right.X
	fxB := e.dev.Left.Fx * e.dev.Stereo.BaselineM
	minDisparity := fxB / e.cfg.MaxDepthM
	maxDisparity := fxB / e.cfg.MinDepthM
	return disparity >= minDisparity && disparity <= maxDisparity
}

// triangulate recovers the 3D point of a rectified match from its disparity
// and verifies depth range and reprojection error in both cameras.
func (e *Engine) triangulate(left, right r2.Point) (r3.Vector, bool) {
	disparity := left.X - right.X
	if disparity <= 0 {
		return r3.Vector{}, false
	}
	z := e.dev.Left.Fx * e.dev.Stereo.BaselineM / disparity
	if z < e.cfg.MinDepthM || z > e.cfg.MaxDepthM {
		return r3.Vector{}, false
	}
	pt := e.dev.Left.PixelToPoint(left.X, left.Y, z)

	lx, ly := e.dev.Left.PointToPixel(pt)
	ptRight := pt.Sub(r3.Vector{X: e.dev.Stereo.BaselineM})
	rx, ry := e.dev.Right.PointToPixel(ptRight)
	errL := r2.Point{X: lx - left.X, Y: ly - left.Y}.Norm()
	errR := r2.Point{X: rx - right.X, Y: ry - right.Y}.Norm()
	if errL > e.cfg.MaxReprojErrPx || errR > e.cfg.MaxReprojErrPx {
		return r3.Vector{}, false
	}
	return pt, true
}
