// Package sequence reads and writes recorded sensor sequences. A sequence
// directory holds imu.csv (t,ax,ay,az,gx,gy,gz), stereo.csv (t,left,right)
// and the referenced grayscale image files.
package sequence

import (
	"encoding/csv"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/visense/vislam/sensordata"
)

const (
	imuFileName    = "imu.csv"
	stereoFileName = "stereo.csv"
)

// Loader replays a recorded sequence, merging the inertial and stereo streams
// in non-decreasing timestamp order. Corrupt rows and missing images are
// skipped with a log; they never stop the replay.
type Loader struct {
	dir    string
	logger golog.Logger

	imuFile    *os.File
	stereoFile *os.File
	imuCSV     *csv.Reader
	stereoCSV  *csv.Reader

	pendingIMU    *sensordata.IMU
	pendingStereo *sensordata.Stereo
}

// NewLoader opens a sequence directory for replay. Either stream file may be
// absent; a sequence with neither is an error.
func NewLoader(dir string, logger golog.Logger) (*Loader, error) {
	l := &Loader{dir: dir, logger: logger}
	var err error
	l.imuFile, err = os.Open(filepath.Join(dir, imuFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l.stereoFile, err = os.Open(filepath.Join(dir, stereoFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, multierr.Combine(errors.WithStack(err), l.Close())
	}
	if l.imuFile == nil && l.stereoFile == nil {
		return nil, errors.Errorf("no %s or %s in %q", imuFileName, stereoFileName, dir)
	}
	if l.imuFile != nil {
		l.imuCSV = csv.NewReader(l.imuFile)
		l.imuCSV.FieldsPerRecord = 7
	}
	if l.stereoFile != nil {
		l.stereoCSV = csv.NewReader(l.stereoFile)
		l.stereoCSV.FieldsPerRecord = 3
	}
	return l, nil
}

// Next returns the next sample in timestamp order, or io.EOF when the
// sequence is exhausted.
func (l *Loader) Next() (sensordata.Data, error) {
	if l.pendingIMU == nil {
		l.pendingIMU = l.nextIMU()
	}
	if l.pendingStereo == nil {
		l.pendingStereo = l.nextStereo()
	}
	switch {
	case l.pendingIMU == nil && l.pendingStereo == nil:
		return nil, io.EOF
	case l.pendingStereo == nil || (l.pendingIMU != nil && l.pendingIMU.Timestamp <= l.pendingStereo.Timestamp):
		d := l.pendingIMU
		l.pendingIMU = nil
		return d, nil
	default:
		d := l.pendingStereo
		l.pendingStereo = nil
		return d, nil
	}
}

// nextIMU returns the next parsable inertial sample, or nil at end of stream.
func (l *Loader) nextIMU() *sensordata.IMU {
	if l.imuCSV == nil {
		return nil
	}
	for {
		row, err := l.imuCSV.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			l.logger.Debugw("skipping bad imu row", "error", err)
			continue
		}
		t, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			l.logger.Debugw("skipping bad imu row", "error", err)
			continue
		}
		fields := make([]float64, 6)
		ok := true
		for i, s := range row[1:] {
			if fields[i], err = strconv.ParseFloat(s, 64); err != nil {
				l.logger.Debugw("skipping bad imu row", "error", err)
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		return &sensordata.IMU{
			Timestamp:       sensordata.Timestamp(t),
			Accel:           r3.Vector{X: fields[0], Y: fields[1], Z: fields[2]},
			AngularVelocity: r3.Vector{X: fields[3], Y: fields[4], Z: fields[5]},
		}
	}
}

// nextStereo returns the next loadable stereo sample, or nil at end of stream.
func (l *Loader) nextStereo() *sensordata.Stereo {
	if l.stereoCSV == nil {
		return nil
	}
	for {
		row, err := l.stereoCSV.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			l.logger.Debugw("skipping bad stereo row", "error", err)
			continue
		}
		t, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			l.logger.Debugw("skipping bad stereo row", "error", err)
			continue
		}
		left, err := l.loadGray(row[1])
		if err != nil {
			l.logger.Debugw("skipping stereo sample", "file", row[1], "error", err)
			continue
		}
		right, err := l.loadGray(row[2])
		if err != nil {
			l.logger.Debugw("skipping stereo sample", "file", row[2], "error", err)
			continue
		}
		return &sensordata.Stereo{Timestamp: sensordata.Timestamp(t), Left: left, Right: right}
	}
}

func (l *Loader) loadGray(name string) (*image.Gray, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray, nil
}

// Close releases the underlying files.
func (l *Loader) Close() error {
	var err error
	if l.imuFile != nil {
		err = multierr.Combine(err, l.imuFile.Close())
		l.imuFile = nil
	}
	if l.stereoFile != nil {
		err = multierr.Combine(err, l.stereoFile.Close())
		l.stereoFile = nil
	}
	return err
}

// Recorder writes a sequence directory in the format Loader reads.
type Recorder struct {
	dir        string
	imuFile    *os.File
	stereoFile *os.File
	imuCSV     *csv.Writer
	stereoCSV  *csv.Writer
	frameCount int
}

// NewRecorder creates (or truncates) a sequence in the given directory.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	imuFile, err := os.Create(filepath.Join(dir, imuFileName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stereoFile, err := os.Create(filepath.Join(dir, stereoFileName))
	if err != nil {
		return nil, multierr.Combine(errors.WithStack(err), imuFile.Close())
	}
	return &Recorder{
		dir:        dir,
		imuFile:    imuFile,
		stereoFile: stereoFile,
		imuCSV:     csv.NewWriter(imuFile),
		stereoCSV:  csv.NewWriter(stereoFile),
	}, nil
}

// Record appends one sample to the sequence.
func (r *Recorder) Record(d sensordata.Data) error {
	switch v := d.(type) {
	case *sensordata.IMU:
		row := []string{
			strconv.FormatInt(int64(v.Timestamp), 10),
			formatFloat(v.Accel.X), formatFloat(v.Accel.Y), formatFloat(v.Accel.Z),
			formatFloat(v.AngularVelocity.X), formatFloat(v.AngularVelocity.Y), formatFloat(v.AngularVelocity.Z),
		}
		return errors.WithStack(r.imuCSV.Write(row))
	case *sensordata.Stereo:
		leftName := "frame_" + strconv.Itoa(r.frameCount) + "_l.png"
		rightName := "frame_" + strconv.Itoa(r.frameCount) + "_r.png"
		r.frameCount++
		if err := r.writePNG(leftName, v.Left); err != nil {
			return err
		}
		if err := r.writePNG(rightName, v.Right); err != nil {
			return err
		}
		row := []string{strconv.FormatInt(int64(v.Timestamp), 10), leftName, rightName}
		return errors.WithStack(r.stereoCSV.Write(row))
	default:
		return errors.Errorf("unknown sample type %T", d)
	}
}

func (r *Recorder) writePNG(name string, img *image.Gray) error {
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return errors.WithStack(err)
	}
	return multierr.Combine(png.Encode(f, img), f.Close())
}

// Close flushes and releases the sequence files.
func (r *Recorder) Close() error {
	r.imuCSV.Flush()
	r.stereoCSV.Flush()
	return multierr.Combine(
		r.imuCSV.Error(),
		r.stereoCSV.Error(),
		r.imuFile.Close(),
		r.stereoFile.Close(),
	)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
