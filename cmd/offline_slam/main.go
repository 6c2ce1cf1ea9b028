// Package main builds a map from a recorded stereo-inertial sequence.
package main

import (
	"context"
	"io"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/visense/vislam/calib"
	"github.com/visense/vislam/mapping"
	"github.com/visense/vislam/sequence"
	"github.com/visense/vislam/slam"
	"github.com/visense/vislam/vocab"
)

var logger = golog.NewDevelopmentLogger("offline_slam")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Calib    string `flag:"calib,required,usage=device calibration JSON"`
	Vocab    string `flag:"vocab,required,usage=feature vocabulary JSON"`
	Sequence string `flag:"sequence,required,usage=recorded sequence directory"`
	MapOut   string `flag:"map,required,usage=output map file"`
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
	voc, err := vocab.Load(argsParsed.Vocab)
	if err != nil {
		return err
	}
	m, err := mapping.NewMap(dev, voc, nil, logger)
	if err != nil {
		return err
	}
	return runSlam(ctx, m, argsParsed, logger)
}

func runSlam(ctx context.Context, m *mapping.Map, args Arguments, logger golog.Logger) (err error) {
	session, err := slam.NewSlamSession(m, slam.OfflineConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, session.Close())
	}()
	loader, err := sequence.NewLoader(args.Sequence, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, loader.Close())
	}()

	samples := 0
	var runErr error
	for runErr == nil {
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
		runErr = session.RunSlam(d)
		samples++
	}
	if runErr != nil {
		logger.Errorw("slam failed partway; saving what was built", "error", runErr)
	}
	logger.Infow("sequence processed",
		"samples", samples,
		"status", session.Status().String(),
		"landmarks", m.LandmarkCount(),
		"keyframes", m.KeyframeCount(),
	)

	// a partial map is still worth keeping
	if saveErr := m.Save(args.MapOut); saveErr != nil {
		return multierr.Combine(runErr, saveErr)
	}
	logger.Infow("map saved", "path", args.MapOut)
	return runErr
}
