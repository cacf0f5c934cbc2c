package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/meshcam/internal/config"
	"github.com/andresmejia3/meshcam/internal/utils"
	"github.com/andresmejia3/meshcam/internal/worker"
)

// newEstimator starts the landmark worker named by the configuration.
// The returned command is nil for remote workers and is only used for crash logs.
func newEstimator(ctx context.Context, s config.Settings) (worker.Estimator, *utils.SafeCommand, error) {
	if s.Worker.RemoteURL != "" {
		w := worker.NewRemoteWorker(s.Worker.RemoteURL, s.WorkerTimeout())
		if err := w.Connect(ctx); err != nil {
			return nil, nil, err
		}
		Logger.Info("connected to remote landmark worker", "url", s.Worker.RemoteURL)
		return w, nil, nil
	}

	if _, err := os.Stat(s.Worker.Script); err != nil {
		return nil, nil, fmt.Errorf("worker script not found: %w", err)
	}
	w, err := worker.NewPythonWorker(0, s.Worker.Python, s.Worker.Script, s.WorkerTimeout())
	if err != nil {
		return nil, nil, err
	}
	Logger.Info("started landmark worker", "python", s.Worker.Python, "script", s.Worker.Script)
	return w, w.Cmd, nil
}

// isFile reports whether path names a regular file rather than a device or URL.
func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
