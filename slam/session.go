// Package slam drives the feature engine, map store and state estimator:
// RunSlam grows the map while tracking the device pose, RunTracking localizes
// against a frozen map.
package slam

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/visense/vislam/fusion"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
)

// ErrMapFailure is returned by RunSlam when the map has become unusable: no
// landmarks could be established for a prolonged span. The session stops
// accepting samples but the map remains valid; callers should still attempt
// to save it.
var ErrMapFailure = errors.New("slam cannot establish landmarks in the map")

// Config selects the accuracy/speed trade-off of a session.
type Config struct {
	Feature   *stereo.Config `json:"feature"`
	Estimator *fusion.Config `json:"estimator"`
	// MaxBarrenFrames is the number of consecutive stereo frames the map may
	// stay empty before a SLAM session fails.
	MaxBarrenFrames int `json:"max_barren_frames"`
	// MaintenanceInterval enables the background landmark refinement pass
	// when positive; used by the offline profile.
	MaintenanceInterval time.Duration `json:"maintenance_interval"`

	// Clock is injectable for tests; defaults to the wall clock.
	Clock clock.Clock `json:"-"`
}

// OnlineConfig prefers speed over accuracy, designed for live streams.
func OnlineConfig() *Config {
	return &Config{
		Feature:         stereo.DefaultConfig(),
		Estimator:       fusion.OnlineConfig(),
		MaxBarrenFrames: 300,
	}
}

// OfflineConfig prefers accuracy over speed, designed for building a
// high-quality map from a recorded sequence.
func OfflineConfig() *Config {
	return &Config{
		Feature:             stereo.DefaultConfig(),
		Estimator:           fusion.OfflineConfig(),
		MaxBarrenFrames:     600,
		MaintenanceInterval: 5 * time.Second,
	}
}

type mode int

const (
	modeSlam mode = iota
	modeTracking
)

// Session owns one processing run: the feature engine, its transient feature
// state, the estimator, and a handle to the map. At most one Run call may
// execute at a time; read-only queries may run concurrently and observe
// point-in-time snapshots.
type Session struct {
	mode   mode
	cfg    *Config
	logger golog.Logger

	m      *mapping.Map
	engine *stereo.Engine
	state  *stereo.State
	est    *fusion.Estimator

	startedMaintenance bool
	barrenFrames       int
	failed             bool
}

func newSession(m *mapping.Map, cfg *Config, md mode, logger golog.Logger) (*Session, error) {
	if m == nil {
		return nil, errors.New("map handle is required")
	}
	if cfg == nil {
		cfg = OnlineConfig()
	}
	engine, err := stereo.NewEngine(m.Calibration(), cfg.Feature, logger)
	if err != nil {
		return nil, err
	}
	est, err := fusion.NewEstimator(m.Calibration(), cfg.Estimator, logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		mode:   md,
		cfg:    cfg,
		logger: logger,
		m:      m,
		engine: engine,
		state:  stereo.NewState(),
		est:    est,
	}, nil
}

// NewSlamSession creates a session that grows the given map while tracking.
// The session is the map's single writer for its lifetime.
func NewSlamSession(m *mapping.Map, cfg *Config, logger golog.Logger) (*Session, error) {
	s, err := newSession(m, cfg, modeSlam, logger)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaintenanceInterval > 0 {
		c := s.cfg.Clock
		if c == nil {
			c = clock.New()
		}
		m.StartMaintenance(s.cfg.MaintenanceInterval, c)
		s.startedMaintenance = true
	}
	return s, nil
}

// NewTrackingSession creates a session that localizes against the given map
// without ever mutating it.
func NewTrackingSession(m *mapping.Map, cfg *Config, logger golog.Logger) (*Session, error) {
	return newSession(m, cfg, modeTracking, logger)
}

// RunSlam processes one sample: inertial samples drive prediction, stereo
// samples drive feature extraction, pose correction and map growth. It
// returns an error only on unrecoverable map failure; LOST is reported via
// Status and does not stop map growth from prior data.
func (s *Session) RunSlam(d sensordata.Data) error {
	if s.mode != modeSlam {
		return errors.New("session was not created for SLAM")
	}
	if s.failed {
		return ErrMapFailure
	}
	switch v := d.(type) {
	case *sensordata.IMU:
		s.est.Predict(v)
	case *sensordata.Stereo:
		s.engine.Process(v, s.state, true)
		observations := s.state.Observations()
		pose, status := s.est.Update(observations, s.m)
		if status == fusion.Tracking {
			s.m.Integrate(observations, pose)
		}
		if s.m.LandmarkCount() == 0 {
			s.barrenFrames++
			if s.barrenFrames > s.cfg.MaxBarrenFrames {
				s.failed = true
				return errors.Wrapf(ErrMapFailure, "%d consecutive frames", s.barrenFrames)
			}
		} else {
			s.barrenFrames = 0
		}
	default:
		if s.logger != nil {
			s.logger.Debugw("ignoring unknown sample type", "sample", d)
		}
	}
	return nil
}

// RunTracking processes one sample against the frozen map. It never fails;
// callers read Status and Pose instead. LOST is a normal, recoverable
// condition a tracking session tolerates indefinitely.
func (s *Session) RunTracking(d sensordata.Data) {
	switch v := d.(type) {
	case *sensordata.IMU:
		s.est.Predict(v)
	case *sensordata.Stereo:
		s.engine.Process(v, s.state, true)
		s.est.Update(s.state.Observations(), s.m)
	default:
		if s.logger != nil {
			s.logger.Debugw("ignoring unknown sample type", "sample", d)
		}
	}
}

// Pose returns the current pose estimate and whether it is valid.
func (s *Session) Pose() (spatial.Pose, bool) { return s.est.Pose() }

// Status returns the current tracking status.
func (s *Session) Status() fusion.TrackingStatus { return s.est.Status() }

// FeatureState exposes the most recent feature engine output for read-only
// consumers such as drawers.
func (s *Session) FeatureState() *stereo.State { return s.state }

// Map returns the session's map handle.
func (s *Session) Map() *mapping.Map { return s.m }

// Close stops background maintenance if this session started it. The map
// stays valid and usable.
func (s *Session) Close() error {
	if s.startedMaintenance {
		s.startedMaintenance = false
		return s.m.Close()
	}
	return nil
}
