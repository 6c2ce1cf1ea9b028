package fusion

import "github.com/pkg/errors"

// Config holds the estimator's tunable policy. Use OnlineConfig or
// OfflineConfig for the standard profiles.
type Config struct {
	// Initialization: the estimator needs MinInitObservations consistent
	// stereo observations on MinInitFrames consecutive frames (about one
	// second of the device's stream) before it reports a pose.
	MinInitObservations int `json:"min_init_observations"`
	MinInitFrames       int `json:"min_init_frames"`

	// Correction gating.
	MinInliers      int     `json:"min_inliers"`
	LostAfterFrames int     `json:"lost_after_frames"`
	InlierThreshM   float64 `json:"inlier_thresh_m"`
	MeasNoiseM      float64 `json:"meas_noise_m"`
	AssocMaxHamming int     `json:"assoc_max_hamming"`
	AssocGatePx     float64 `json:"assoc_gate_px"`

	// Iterations bounds the iterative refinement of each correction; the
	// accuracy-preferring profile relinearizes more often at the cost of
	// throughput.
	Iterations int `json:"iterations"`

	// MaxIMUDTSec caps the integration step so stream gaps degrade quality
	// instead of exploding the state.
	MaxIMUDTSec float64 `json:"max_imu_dt_sec"`

	// Relocalization.
	RelocCandidates int `json:"reloc_candidates"`
	RelocMinMatches int `json:"reloc_min_matches"`
	RelocMinInliers int `json:"reloc_min_inliers"`
}

// OnlineConfig prefers speed over accuracy: bounded refinement for real-time
// throughput at marginally higher drift.
func OnlineConfig() *Config {
	return &Config{
		MinInitObservations: 15,
		MinInitFrames:       30,
		MinInliers:          8,
		LostAfterFrames:     15,
		InlierThreshM:       0.10,
		MeasNoiseM:          0.02,
		AssocMaxHamming:     40,
		AssocGatePx:         30,
		Iterations:          1,
		MaxIMUDTSec:         0.1,
		RelocCandidates:     5,
		RelocMinMatches:     8,
		RelocMinInliers:     6,
	}
}

// OfflineConfig prefers accuracy over speed; appropriate only for recorded
// sequence processing.
func OfflineConfig() *Config {
	cfg := OnlineConfig()
	cfg.Iterations = 4
	cfg.AssocGatePx = 50
	cfg.RelocCandidates = 10
	return cfg
}

// Validate ensures the config is usable.
func (cfg *Config) Validate() error {
	if cfg.MinInitFrames <= 0 || cfg.MinInitObservations <= 0 {
		return errors.New("initialization thresholds must be positive")
	}
	if cfg.MinInliers <= 0 || cfg.LostAfterFrames <= 0 {
		return errors.New("inlier gating thresholds must be positive")
	}
	if cfg.InlierThreshM <= 0 || cfg.MeasNoiseM <= 0 {
		return errors.New("measurement tolerances must be positive")
	}
	if cfg.Iterations <= 0 {
		return errors.New("iterations must be positive")
	}
	if cfg.MaxIMUDTSec <= 0 {
		return errors.New("max imu dt must be positive")
	}
	return nil
}
