// Package main replays a recorded sequence against a prebuilt map and prints
// the tracked poses and status transitions.
package main

import (
	"context"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/render"
	"github.com/visense/vislam/sensordata"
	"github.com/visense/vislam/sequence"
	"github.com/visense/vislam/slam"
)

var logger = golog.NewDevelopmentLogger("tracking_replay")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Calib      string `flag:"calib,required,usage=device calibration JSON"`
	Map        string `flag:"map,required,usage=prebuilt map file"`
	Sequence   string `flag:"sequence,required,usage=recorded sequence directory"`
	Trajectory string `flag:"trajectory,usage=optional output PNG of the tracked trajectory"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	dev, err := calib.FromJSONFile(argsParsed.Calib)
	if err != nil {
		return err
	}
	m, err := mapping.Load(argsParsed.Map, dev, logger)
	if err != nil {
		return err
	}
	logger.Infow("map loaded", "landmarks", m.LandmarkCount(), "keyframes", m.KeyframeCount())
	return runTracking(ctx, m, argsParsed, logger)
}

func runTracking(ctx context.Context, m *mapping.Map, args Arguments, logger golog.Logger) (err error) {
	session, err := slam.NewTrackingSession(m, slam.OnlineConfig(), logger)
	if err != nil {
		return err
	}
	loader, err := sequence.NewLoader(args.Sequence, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, loader.Close())
	}()

	drawer := render.NewTrajectoryDrawer(0)
	lastStatus := session.Status()
	for {
		if ctx.Err() != nil {
			break
		}
		d, loadErr := loader.Next()
		if errors.Is(loadErr, io.EOF) {
			break
		}
		if loadErr != nil {
			return loadErr
		}
		session.RunTracking(d)
		if status := session.Status(); status != lastStatus {
			logger.Infow("status changed", "from", lastStatus.String(), "to", status.String())
			lastStatus = status
		}
		if _, ok := d.(*sensordata.Stereo); !ok {
			continue
		}
		pose, hasPose := session.Pose()
		if !hasPose {
			continue
		}
		devToMap := pose.Invert()
		logger.Debugw("pose",
			"t", d.Time().Seconds(),
			"x", devToMap.T.X, "y", devToMap.T.Y, "z", devToMap.T.Z,
		)
		drawer.Add(d.Time(), pose)
	}

	if args.Trajectory != "" {
		pose, hasPose := session.Pose()
		img := drawer.Draw(pose, hasPose)
		if saveErr := savePNG(args.Trajectory, img); saveErr != nil {
			return saveErr
		}
		logger.Infow("trajectory saved", "path", args.Trajectory)
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return multierr.Combine(png.Encode(f, img), f.Close())
}
