package mapping

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/visense/vislam/spatial"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := newTestMap(t)
	dev := m.Calibration()
	m.Integrate(frameAt(dev, 10, 0x0), spatial.NewPose())
	moved := spatial.NewPoseFromOrientationTranslation(
		spatial.NewPose().R, r3.Vector{X: 5},
	)
	m.Integrate(frameAt(dev, 10, 0xffffffffffffffff), moved)

	path := filepath.Join(t.TempDir(), "map.bin")
	test.That(t, m.Save(path), test.ShouldBeNil)

	loaded, err := Load(path, dev, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.LandmarkCount(), test.ShouldEqual, m.LandmarkCount())
	test.That(t, loaded.KeyframeCount(), test.ShouldEqual, m.KeyframeCount())
	test.That(t, loaded.Points(), test.ShouldResemble, m.Points())
	test.That(t, loaded.Vocabulary().Words, test.ShouldResemble, m.Vocabulary().Words)

	// the loaded map stays usable for further integration
	loaded.Integrate(frameAt(dev, 10, 0x0), spatial.NewPose())
	test.That(t, loaded.LandmarkCount(), test.ShouldEqual, m.LandmarkCount())
}

func TestLoadMissing(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.bin"), testDevice(), logger)
	test.That(t, errors.Is(err, ErrMapMissing), test.ShouldBeTrue)
}

func TestLoadCorrupt(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	// not gzip at all
	path := filepath.Join(dir, "garbage.bin")
	test.That(t, os.WriteFile(path, []byte("not a map"), 0o644), test.ShouldBeNil)
	_, err := Load(path, testDevice(), logger)
	test.That(t, errors.Is(err, ErrMapCorrupt), test.ShouldBeTrue)

	// valid gzip, truncated payload
	m := newTestMap(t)
	m.Integrate(frameAt(m.Calibration(), 10, 0x0), spatial.NewPose())
	good := filepath.Join(dir, "good.bin")
	test.That(t, m.Save(good), test.ShouldBeNil)
	data, err := os.ReadFile(good)
	test.That(t, err, test.ShouldBeNil)
	truncated := filepath.Join(dir, "truncated.bin")
	test.That(t, os.WriteFile(truncated, data[:len(data)/2], 0o644), test.ShouldBeNil)
	_, err = Load(truncated, testDevice(), logger)
	test.That(t, errors.Is(err, ErrMapCorrupt), test.ShouldBeTrue)
}

func TestLoadRequiresCalibration(t *testing.T) {
	_, err := Load("whatever.bin", nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMaintenanceLifecycle(t *testing.T) {
	m := newTestMap(t)
	m.Integrate(frameAt(m.Calibration(), 10, 0x0), spatial.NewPose())

	mock := clock.NewMock()
	m.StartMaintenance(time.Second, mock)
	// starting twice is a no-op
	m.StartMaintenance(time.Second, mock)
	mock.Add(3 * time.Second)

	test.That(t, m.Close(), test.ShouldBeNil)
	// the map stays usable after Close
	test.That(t, m.LandmarkCount(), test.ShouldEqual, 10)
	test.That(t, m.Close(), test.ShouldBeNil)
}
