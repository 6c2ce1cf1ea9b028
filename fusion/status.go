package fusion

// TrackingStatus reports whether the estimator currently has a usable pose.
type TrackingStatus int

const (
	// Uninitialized means not enough consistent observations have been seen
	// to establish an initial pose; the pose is absent.
	Uninitialized TrackingStatus = iota
	// Tracking means the device is on track and the pose is valid.
	Tracking
	// Lost means the correction step has not found enough inliers for a
	// sustained span; the estimator keeps dead-reckoning on inertial samples
	// but the pose is unreliable until relocalization succeeds.
	Lost
)

func (s TrackingStatus) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Tracking:
		return "TRACKING"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}
