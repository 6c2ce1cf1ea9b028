package fusion

import (
	"github.com/golang/geo/r3"

	"github.com/visense/vislam/keypoints"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/spatial"
	"github.com/visense/vislam/stereo"
)

// relocalize attempts to recover a pose while LOST by matching the current
// observations against keyframe candidates from the map. On success the pose
// state is reset from a 3D-3D alignment and the status returns to TRACKING.
func (e *Estimator) relocalize(observations []stereo.Observation, m *mapping.Map) {
	if len(observations) < e.cfg.RelocMinMatches {
		return
	}
	descs := make(keypoints.Descriptors, len(observations))
	for i, obs := range observations {
		descs[i] = obs.Left.Descriptor
	}
	sig := m.Vocabulary().Signature(descs)
	for _, kf := range m.QueryCandidates(sig, e.cfg.RelocCandidates) {
		if e.tryRelocalizeAgainst(observations, m, &kf) {
			return
		}
	}
}

// tryRelocalizeAgainst matches observations to one keyframe's landmarks and
// accepts the recovered pose when it has enough inlier support.
func (e *Estimator) tryRelocalizeAgainst(observations []stereo.Observation, m *mapping.Map, kf *mapping.Keyframe) bool {
	ids := make([]uint64, len(kf.Observations))
	for i, o := range kf.Observations {
		ids[i] = o.LandmarkID
	}
	landmarks := m.LandmarksByIDs(ids)
	if len(landmarks) < e.cfg.RelocMinMatches {
		return false
	}
	lmDescs := make(keypoints.Descriptors, len(landmarks))
	for i := range landmarks {
		lmDescs[i] = landmarks[i].Descriptor
	}
	obsDescs := make(keypoints.Descriptors, len(observations))
	for i := range observations {
		obsDescs[i] = observations[i].Left.Descriptor
	}
	cfg := &keypoints.MatchingConfig{DoCrossCheck: true, MaxDist: e.cfg.AssocMaxHamming, MaxRatio: 0.9}
	matches := keypoints.MatchDescriptors(obsDescs, lmDescs, cfg)
	if len(matches) < e.cfg.RelocMinMatches {
		return false
	}

	mapPts := make([]r3.Vector, len(matches))
	camPts := make([]r3.Vector, len(matches))
	for i, match := range matches {
		mapPts[i] = landmarks[match.Idx2].Position
		camPts[i] = observations[match.Idx1].Point
	}
	// map->device alignment is exactly the pose being recovered
	pose, err := spatial.AlignPoints(mapPts, camPts)
	if err != nil {
		return false
	}
	inliers := 0
	for i := range mapPts {
		if pose.TransformPoint(mapPts[i]).Sub(camPts[i]).Norm() <= e.cfg.InlierThreshM {
			inliers++
		}
	}
	if inliers < e.cfg.RelocMinInliers {
		return false
	}

	e.setPose(pose)
	e.v = r3.Vector{}
	e.cov = initialCovariance()
	e.status = Tracking
	e.missedFrames = 0
	if e.logger != nil {
		e.logger.Infow("relocalized", "keyframe", kf.ID, "inliers", inliers)
	}
	return true
}
