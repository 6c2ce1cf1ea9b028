// Package mapping implements the sparse landmark map: the evolving (SLAM) or
// frozen (tracking) set of 3D landmarks plus the keyframes and descriptor
// signatures needed to relocalize against it.
//
// The map is the single owner of its landmarks and keyframes. Mutation goes
// through Integrate and the maintenance pass only; readers get point-in-time
// snapshots that may be superseded immediately after return.
package mapping

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/keypoints"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
	"github.com/visense/vislam/vocab"
)

// Landmark is a persistent 3D point in map coordinates, owned exclusively by
// the Map. The descriptor signature and observation count feed relocalization
// matching.
type Landmark struct {
	ID           uint64
	Position     r3.Vector
	Descriptor   keypoints.Descriptor
	Observations int
}

// KeyframeObservation ties a keyframe to a landmark it observed, with the
// pixel location and camera-frame 3D point at capture time.
type KeyframeObservation struct {
	LandmarkID uint64
	Image      r2.Point
	Point      r3.Vector
}

// Keyframe is a retained stereo observation set plus the pose at which it was
// captured, used as a relocalization anchor.
type Keyframe struct {
	ID           uint64
	Pose         spatial.Pose
	Signature    vocab.Signature
	Observations []KeyframeObservation
}

// clone returns a deep copy safe to hand to readers.
func (kf *Keyframe) clone() Keyframe {
	out := *kf
	out.Signature = append(vocab.Signature(nil), kf.Signature...)
	out.Observations = append([]KeyframeObservation(nil), kf.Observations...)
	return out
}

// Config holds the tunable policies of the map store.
type Config struct {
	// Association: an observation matches an existing landmark when the
	// descriptor distance, the 3D distance, and the reprojection error
	// against the current pose are all inside these bounds. Ties between
	// plausible landmarks break to the lowest reprojection error.
	AssocMaxHamming  int     `json:"assoc_max_hamming"`
	AssocRadiusM     float64 `json:"assoc_radius_m"`
	AssocMaxReprojPx float64 `json:"assoc_max_reproj_px"`

	// Keyframe retention: a frame is informative enough when it contributes
	// enough new landmarks or has moved far enough from the last keyframe.
	KeyframeMinNewLandmarks int     `json:"keyframe_min_new_landmarks"`
	KeyframeMinTranslationM float64 `json:"keyframe_min_translation_m"`
	KeyframeMinRotationRad  float64 `json:"keyframe_min_rotation_rad"`

	// RefineMinObservations is the minimum keyframe support a landmark needs
	// before the maintenance pass re-estimates its position.
	RefineMinObservations int `json:"refine_min_observations"`
}

// DefaultConfig returns the map policy used when a caller does not provide any.
func DefaultConfig() *Config {
	return &Config{
		AssocMaxHamming:         40,
		AssocRadiusM:            0.10,
		AssocMaxReprojPx:        4.0,
		KeyframeMinNewLandmarks: 8,
		KeyframeMinTranslationM: 0.10,
		KeyframeMinRotationRad:  0.15,
		RefineMinObservations:   2,
	}
}

// Map is the sparse 3D landmark map. All methods are safe for concurrent use;
// writes serialize against the background maintenance pass.
type Map struct {
	mu     sync.RWMutex
	dev    *calib.Device
	voc    *vocab.Vocabulary
	cfg    *Config
	logger golog.Logger

	landmarks map[uint64]*Landmark
	order     []uint64
	keyframes []*Keyframe

	nextLandmarkID uint64
	nextKeyframeID uint64
	lastKFPose     spatial.Pose
	hasKeyframe    bool

	maintenance *maintenance
}

// NewMap creates an empty map for SLAM, owned by the session that will grow it.
func NewMap(dev *calib.Device, voc *vocab.Vocabulary, cfg *Config, logger golog.Logger) (*Map, error) {
	if dev == nil {
		return nil, errors.New("device calibration is required")
	}
	if err := voc.CheckValid(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Map{
		dev:            dev,
		voc:            voc,
		cfg:            cfg,
		logger:         logger,
		landmarks:      map[uint64]*Landmark{},
		nextLandmarkID: 1,
		nextKeyframeID: 1,
	}, nil
}

// Vocabulary returns the descriptor vocabulary the map was built with.
func (m *Map) Vocabulary() *vocab.Vocabulary { return m.voc }

// Calibration returns the device calibration the map was built with.
func (m *Map) Calibration() *calib.Device { return m.dev }

// LandmarkCount returns the number of landmarks in the map.
func (m *Map) LandmarkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.landmarks)
}

// KeyframeCount returns the number of retained keyframes.
func (m *Map) KeyframeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// Points returns a snapshot of all landmark positions, ordered by landmark ID.
// Two calls without an intervening Integrate or maintenance pass return
// identical results.
func (m *Map) Points() []r3.Vector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := make([]r3.Vector, 0, len(m.order))
	for _, id := range m.order {
		pts = append(pts, m.landmarks[id].Position)
	}
	return pts
}

// Landmarks returns a snapshot copy of all landmarks, ordered by ID.
func (m *Map) Landmarks() []Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Landmark, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.landmarks[id])
	}
	return out
}

// LandmarksByIDs returns snapshot copies of the landmarks with the given IDs,
// skipping unknown IDs.
func (m *Map) LandmarksByIDs(ids []uint64) []Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Landmark, 0, len(ids))
	for _, id := range ids {
		if lm, ok := m.landmarks[id]; ok {
			out = append(out, *lm)
		}
	}
	return out
}

// Integrate grows the map from one frame's stereo observations and the pose
// at which they were captured (SLAM only). Observations matching an existing
// landmark bump its observation count; the rest become new landmarks. The
// frame is retained as a keyframe when the retention policy says it is
// informative enough.
func (m *Map) Integrate(observations []stereo.Observation, pose spatial.Pose) {
	if len(observations) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	camToMap := pose.Invert()
	kfObs := make([]KeyframeObservation, 0, len(observations))
	descs := make(keypoints.Descriptors, 0, len(observations))
	newCount := 0
	for _, obs := range observations {
		worldPt := camToMap.TransformPoint(obs.Point)
		lm := m.associate(obs, worldPt, pose)
		if lm == nil {
			lm = &Landmark{
				ID:           m.nextLandmarkID,
				Position:     worldPt,
				Descriptor:   obs.Left.Descriptor,
				Observations: 1,
			}
			m.nextLandmarkID++
			m.landmarks[lm.ID] = lm
			m.order = append(m.order, lm.ID)
			newCount++
		} else {
			lm.Observations++
		}
		kfObs = append(kfObs, KeyframeObservation{LandmarkID: lm.ID, Image: obs.Left.Point, Point: obs.Point})
		descs = append(descs, obs.Left.Descriptor)
	}

	if !m.shouldRetainKeyframe(pose, newCount) {
		return
	}
	kf := &Keyframe{
		ID:           m.nextKeyframeID,
		Pose:         pose,
		Signature:    m.voc.Signature(descs),
		Observations: kfObs,
	}
	m.nextKeyframeID++
	m.keyframes = append(m.keyframes, kf)
	m.lastKFPose = pose
	m.hasKeyframe = true
	if m.logger != nil {
		m.logger.Debugw("retained keyframe", "id", kf.ID, "landmarks", len(m.landmarks), "new", newCount)
	}
}

// associate finds the existing landmark best explaining an observation, or
// nil if none is plausible. Candidates must pass the descriptor, radius and
// reprojection gates; among several the lowest reprojection error wins.
func (m *Map) associate(obs stereo.Observation, worldPt r3.Vector, pose spatial.Pose) *Landmark {
	var best *Landmark
	bestErr := math.Inf(1)
	for _, id := range m.order {
		lm := m.landmarks[id]
		if d := keypoints.HammingDistance(obs.Left.Descriptor, lm.Descriptor); d < 0 || d > m.cfg.AssocMaxHamming {
			continue
		}
		if lm.Position.Sub(worldPt).Norm() > m.cfg.AssocRadiusM {
			continue
		}
		inCam := pose.TransformPoint(lm.Position)
		if inCam.Z <= 0 {
			continue
		}
		px, py := m.dev.Left.PointToPixel(inCam)
		reprojErr := r2.Point{X: px - obs.Left.Point.X, Y: py - obs.Left.Point.Y}.Norm()
		if reprojErr > m.cfg.AssocMaxReprojPx {
			continue
		}
		if reprojErr < bestErr {
			best, bestErr = lm, reprojErr
		}
	}
	return best
}

// shouldRetainKeyframe applies the retention policy. The first informative
// frame is always retained.
func (m *Map) shouldRetainKeyframe(pose spatial.Pose, newLandmarks int) bool {
	if !m.hasKeyframe {
		return true
	}
	if newLandmarks >= m.cfg.KeyframeMinNewLandmarks {
		return true
	}
	// compare camera centers and relative rotation angle
	cNow := pose.Invert().T
	cLast := m.lastKFPose.Invert().T
	if cNow.Sub(cLast).Norm() >= m.cfg.KeyframeMinTranslationM {
		return true
	}
	rel := quat.Mul(pose.R, quat.Conj(m.lastKFPose.R))
	angle := 2 * math.Acos(math.Min(1, math.Abs(rel.Real)))
	return angle >= m.cfg.KeyframeMinRotationRad
}

// QueryCandidates returns up to n keyframes whose stored descriptors
// plausibly match the given signature, ranked by descending similarity. This
// is the route to recovering from LOST. Read-only.
func (m *Map) QueryCandidates(sig vocab.Signature, n int) []Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		kf    *Keyframe
		score float64
	}
	ranked := make([]scored, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		ranked = append(ranked, scored{kf, vocab.CosineSimilarity(sig, kf.Signature)})
	}
	// insertion sort by descending score; keyframe counts stay small
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Keyframe, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.kf.clone())
	}
	return out
}
