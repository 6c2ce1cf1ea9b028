// Package sensordata contains the sample types a stereo visual-inertial
// device reports: timestamped IMU readings and timestamped stereo image pairs.
//
// Samples form a tagged variant; consumers dispatch with a type switch on the
// Data interface. Any stream handed to an orchestrator must be in
// non-decreasing timestamp order, possibly with gaps.
package sensordata

import (
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Timestamp is the capture offset of a sample on the device's monotonic clock,
// in nanoseconds.
type Timestamp int64

// Seconds returns the timestamp in seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t) / 1e9
}

// Data is a single sample captured by the device at a particular timestamp.
// The only implementations are IMU and Stereo.
type Data interface {
	// Time reports when the sample was captured by the device.
	Time() Timestamp
}

// IMU is one 6-dof inertial sample.
type IMU struct {
	Timestamp Timestamp
	// Accel is the accelerometer reading in m/s^2, IMU frame.
	Accel r3.Vector
	// AngularVelocity is the gyroscope reading in rad/s, IMU frame.
	AngularVelocity r3.Vector
}

// Time reports when the sample was captured.
func (d *IMU) Time() Timestamp { return d.Timestamp }

// Stereo is one rectified stereo image pair. Both images must originate from
// the same capture instant and share dimensions.
type Stereo struct {
	Timestamp Timestamp
	Left      *image.Gray
	Right     *image.Gray
}

// Time reports when the pair was captured.
func (d *Stereo) Time() Timestamp { return d.Timestamp }

// CheckValid reports whether the pair is usable: both images present with
// equal bounds. Invalid pairs are rejected by the feature engine, not fatal.
func (d *Stereo) CheckValid() error {
	if d.Left == nil || d.Right == nil {
		return errors.New("stereo sample is missing an image")
	}
	if d.Left.Bounds() != d.Right.Bounds() {
		return errors.Errorf("stereo images differ in size (%v vs %v)", d.Left.Bounds(), d.Right.Bounds())
	}
	return nil
}
