package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/motioncam/internal/camera"
	"github.com/mikeyg42/motioncam/internal/command"
	"github.com/mikeyg42/motioncam/internal/controller"
	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/stream"
	"github.com/mikeyg42/motioncam/internal/video"
	"github.com/mikeyg42/motioncam/internal/watcher"
)

// newWorker builds a fresh worker for mode. The camera is opened inside the
// worker, after it holds the ownership token.
func (app *Application) newWorker(mode command.Mode) (controller.Worker, error) {
	switch mode {
	case command.ModeMonitoring:
		w, err := watcher.New(app.config.WatcherConfig(), app.watcherDeps())
		if err != nil {
			return nil, err
		}
		return w, nil
	case command.ModeStreaming:
		return stream.New(app.config.Stream, app.owner, app.openSource, app.logger), nil
	}
	return nil, fmt.Errorf("no worker for mode %s", mode)
}

func (app *Application) openSampler() (watcher.Sampler, error) {
	capture, err := camera.Open(app.config.Camera)
	if err != nil {
		return nil, err
	}
	return motion.NewSampler(capture, app.config.Motion), nil
}

func (app *Application) openSource() (stream.Source, error) {
	capture, err := camera.Open(app.config.Camera)
	if err != nil {
		return nil, err
	}
	vc := app.config.Video
	if vc.Framerate <= 0 {
		vc.Framerate = capture.FPS()
	}
	app.logger.Debug("camera opened for streaming",
		zap.String("device", app.config.Camera.Device),
		zap.Float64("fps", capture.FPS()))
	return video.NewRecorder(capture, vc, app.logger), nil
}
