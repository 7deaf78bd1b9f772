package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/config"
	"github.com/edvin/edgedeploy/internal/model"
)

// NewLogger creates a structured zerolog.Logger with observability context fields
// from the config. Non-empty fields are added automatically.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.WorkerID != "" {
		ctx = ctx.Str("worker_id", cfg.WorkerID)
	}
	if cfg.QueueName != "" {
		ctx = ctx.Str("queue", cfg.QueueName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}

// ForDeployment returns a child logger tagged with the correlation ids of a
// queued deployment. Debug-flagged messages lower the level to debug.
func ForDeployment(logger zerolog.Logger, msg *model.QueueMessage) zerolog.Logger {
	l := logger.With().
		Str("deployment_id", msg.Metadata.DeploymentID).
		Str("project_id", msg.Params.ProjectID).
		Str("organization_id", msg.Params.OrganizationID).
		Str("user_id", msg.Params.UserID).
		Logger()
	if msg.Config != nil && msg.Config.Debug {
		l = l.Level(zerolog.DebugLevel)
	}
	return l
}
