// Package calib holds the stereo camera and IMU calibration a device reports,
// loaded once at startup from a JSON file.
package calib

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoCalibration is returned when calibration parameters are missing or unusable.
var ErrNoCalibration = errors.New("calibration parameters are not available")

// newCalibrationError wraps ErrNoCalibration with a description of what is wrong.
func newCalibrationError(msg string) error {
	return errors.Wrap(ErrNoCalibration, msg)
}

// Intrinsics holds the parameters necessary to project between a camera's 3D
// frame and its 2D image plane.
type Intrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for Intrinsics have valid inputs.
func (params *Intrinsics) CheckValid() error {
	if params == nil {
		return newCalibrationError("intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return newCalibrationError(fmt.Sprintf("invalid size (%d, %d)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return newCalibrationError(fmt.Sprintf("invalid focal length Fx = %f", params.Fx))
	}
	if params.Fy <= 0 {
		return newCalibrationError(fmt.Sprintf("invalid focal length Fy = %f", params.Fy))
	}
	if params.Ppx < 0 {
		return newCalibrationError(fmt.Sprintf("invalid principal point Ppx = %f", params.Ppx))
	}
	if params.Ppy < 0 {
		return newCalibrationError(fmt.Sprintf("invalid principal point Ppy = %f", params.Ppy))
	}
	return nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *Intrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return r3.Vector{X: xOverZ * z, Y: yOverZ * z, Z: z}
}

// PointToPixel projects a 3D point in the camera frame to a (sub)pixel in the
// image plane. Points at zero depth project to negative coordinates so bounds
// checks filter them out.
func (params *Intrinsics) PointToPixel(pt r3.Vector) (float64, float64) {
	if pt.Z != 0. {
		xPx := (pt.X/pt.Z)*params.Fx + params.Ppx
		yPx := (pt.Y/pt.Z)*params.Fy + params.Ppy
		return xPx, yPx
	}
	return -1.0, -1.0
}

// CameraMatrix creates the 3x3 camera matrix from the intrinsics.
// [[fx 0 ppx], [0 fy ppy], [0 0 1]]
func (params *Intrinsics) CameraMatrix() *mat.Dense {
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// StereoExtrinsics relates the rectified left and right cameras. After
// rectification the right camera is a pure translation along the x axis.
type StereoExtrinsics struct {
	BaselineM float64 `json:"baseline_m"`
}

// CheckValid checks if the stereo extrinsics are usable.
func (params *StereoExtrinsics) CheckValid() error {
	if params == nil {
		return newCalibrationError("stereo extrinsics do not exist")
	}
	if params.BaselineM <= 0 {
		return newCalibrationError(fmt.Sprintf("invalid stereo baseline %f m", params.BaselineM))
	}
	return nil
}

// IMUExtrinsics relates the IMU frame to the left camera frame and carries the
// noise characteristics of the inertial sensors.
type IMUExtrinsics struct {
	// RotationToCamera is the unit quaternion (w,x,y,z) rotating IMU-frame
	// vectors into the left camera frame.
	RotationToCamera [4]float64 `json:"rotation_to_camera"`
	// TranslationToCamera is the IMU origin expressed in the left camera frame.
	TranslationToCamera r3.Vector `json:"translation_to_camera_m"`

	GyroNoise      float64 `json:"gyro_noise_rad_s"`
	AccelNoise     float64 `json:"accel_noise_m_s2"`
	GyroBiasWalk   float64 `json:"gyro_bias_walk"`
	AccelBiasWalk  float64 `json:"accel_bias_walk"`
	SampleRateHz   float64 `json:"sample_rate_hz"`
	GravityMPerSec float64 `json:"gravity_m_s2"`
}

// CheckValid checks if the IMU extrinsics are usable.
func (params *IMUExtrinsics) CheckValid() error {
	if params == nil {
		return newCalibrationError("imu extrinsics do not exist")
	}
	if params.GyroNoise <= 0 || params.AccelNoise <= 0 {
		return newCalibrationError("imu noise densities must be positive")
	}
	if params.SampleRateHz <= 0 {
		return newCalibrationError(fmt.Sprintf("invalid imu sample rate %f Hz", params.SampleRateHz))
	}
	return nil
}

// Gravity returns the configured gravity magnitude, defaulting to standard
// gravity when the calibration file omits it.
func (params *IMUExtrinsics) Gravity() float64 {
	if params.GravityMPerSec <= 0 {
		return 9.80665
	}
	return params.GravityMPerSec
}

// Device aggregates the full calibration of a stereo visual-inertial device.
// Both images are assumed rectified; rectification happens upstream.
type Device struct {
	Left   Intrinsics       `json:"left"`
	Right  Intrinsics       `json:"right"`
	Stereo StereoExtrinsics `json:"stereo"`
	IMU    IMUExtrinsics    `json:"imu"`
}

// CheckValid checks every block of the device calibration.
func (d *Device) CheckValid() error {
	if d == nil {
		return newCalibrationError("device calibration does not exist")
	}
	if err := d.Left.CheckValid(); err != nil {
		return errors.Wrap(err, "left camera")
	}
	if err := d.Right.CheckValid(); err != nil {
		return errors.Wrap(err, "right camera")
	}
	if d.Left.Width != d.Right.Width || d.Left.Height != d.Right.Height {
		return newCalibrationError(fmt.Sprintf("left and right dimensions differ (%dx%d vs %dx%d)",
			d.Left.Width, d.Left.Height, d.Right.Width, d.Right.Height))
	}
	if err := d.Stereo.CheckValid(); err != nil {
		return err
	}
	return d.IMU.CheckValid()
}

// FromJSONFile loads a Device calibration from a JSON file. A missing or
// malformed file is a fatal initialization error.
func FromJSONFile(path string) (*Device, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "error opening calibration file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "error reading calibration file")
	}
	device := &Device{}
	if err := json.Unmarshal(data, device); err != nil {
		return nil, errors.Wrap(err, "error parsing calibration file")
	}
	if err := device.CheckValid(); err != nil {
		return nil, err
	}
	return device, nil
}
