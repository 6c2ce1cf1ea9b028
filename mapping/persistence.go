package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/vocab"
)

// Persistence errors. Callers decide the retry policy.
var (
	// ErrMapMissing means the map file does not exist.
	ErrMapMissing = errors.New("map file does not exist")
	// ErrMapCorrupt means the map file exists but cannot be decoded.
	ErrMapCorrupt = errors.New("map file is corrupted")
)

const mapFormatVersion = 1

// envelope is the serialized form of a Map: landmarks, keyframes and the
// metadata needed to reconstruct a usable store, vocabulary included.
type envelope struct {
	Version        int               `json:"version"`
	Vocabulary     *vocab.Vocabulary `json:"vocabulary"`
	Config         *Config           `json:"config"`
	Landmarks      []*Landmark       `json:"landmarks"`
	Keyframes      []*Keyframe       `json:"keyframes"`
	NextLandmarkID uint64            `json:"next_landmark_id"`
	NextKeyframeID uint64            `json:"next_keyframe_id"`
	LastKFPose     spatial.Pose      `json:"last_keyframe_pose"`
	HasKeyframe    bool              `json:"has_keyframe"`
}

// Save writes the map to path as gzip-compressed JSON, overwriting any
// existing file. Safe to call after a tracking failure; a partially built map
// remains useful.
func (m *Map) Save(path string) (err error) {
	m.mu.RLock()
	env := envelope{
		Version:        mapFormatVersion,
		Vocabulary:     m.voc,
		Config:         m.cfg,
		Landmarks:      make([]*Landmark, 0, len(m.order)),
		Keyframes:      m.keyframes,
		NextLandmarkID: m.nextLandmarkID,
		NextKeyframeID: m.nextKeyframeID,
		LastKFPose:     m.lastKFPose,
		HasKeyframe:    m.hasKeyframe,
	}
	for _, id := range m.order {
		env.Landmarks = append(env.Landmarks, m.landmarks[id])
	}
	data, err := json.Marshal(&env)
	m.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "error encoding map")
	}

	//nolint:gosec
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return errors.Wrap(err, "error creating map file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		return multierr.Combine(errors.Wrap(err, "error writing map file"), zw.Close())
	}
	return zw.Close()
}

// Load reads a previously saved map from disk for tracking. Fails with
// ErrMapMissing when the file does not exist and ErrMapCorrupt when it cannot
// be decoded or fails validation.
func Load(path string, dev *calib.Device, logger golog.Logger) (_ *Map, err error) {
	if dev == nil {
		return nil, errors.New("device calibration is required")
	}
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrMapMissing, path)
		}
		return nil, errors.Wrap(err, "error opening map file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(ErrMapCorrupt, "bad compression header: %v", err)
	}
	var env envelope
	if err := json.NewDecoder(zr).Decode(&env); err != nil {
		return nil, multierr.Combine(errors.Wrapf(ErrMapCorrupt, "bad encoding: %v", err), zr.Close())
	}
	if err := zr.Close(); err != nil {
		return nil, errors.Wrapf(ErrMapCorrupt, "truncated file: %v", err)
	}
	if env.Version != mapFormatVersion {
		return nil, errors.Wrapf(ErrMapCorrupt, "unsupported map version %d", env.Version)
	}
	if err := env.Vocabulary.CheckValid(); err != nil {
		return nil, errors.Wrapf(ErrMapCorrupt, "bad vocabulary: %v", err)
	}
	cfg := env.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Map{
		dev:            dev,
		voc:            env.Vocabulary,
		cfg:            cfg,
		logger:         logger,
		landmarks:      make(map[uint64]*Landmark, len(env.Landmarks)),
		order:          make([]uint64, 0, len(env.Landmarks)),
		keyframes:      env.Keyframes,
		nextLandmarkID: env.NextLandmarkID,
		nextKeyframeID: env.NextKeyframeID,
		lastKFPose:     env.LastKFPose,
		hasKeyframe:    env.HasKeyframe,
	}
	for _, lm := range env.Landmarks {
		m.landmarks[lm.ID] = lm
		m.order = append(m.order, lm.ID)
	}
	// no keyframe may reference a landmark that does not exist
	for _, kf := range m.keyframes {
		for _, obs := range kf.Observations {
			if _, ok := m.landmarks[obs.LandmarkID]; !ok {
				return nil, errors.Wrapf(ErrMapCorrupt, "keyframe %d references missing landmark %d", kf.ID, obs.LandmarkID)
			}
		}
	}
	return m, nil
}
