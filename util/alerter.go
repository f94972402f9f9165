package util

import (
	"context"
	"fmt"
	"log/slog"
)

// Alerter surfaces conditions that should page someone, beyond a log line.
// The default wiring logs at error level; deployments can plug in a real
// pager.
type Alerter interface {
	Alert(ctx context.Context, format string, v ...interface{})
}

func NoopAlerter() Alerter {
	return noopAlerter{}
}

type noopAlerter struct{}

func (noopAlerter) Alert(ctx context.Context, format string, v ...interface{}) {}

// LogAlerter reports alerts through the process logger.
func LogAlerter(log *slog.Logger) Alerter {
	if log == nil {
		log = slog.Default()
	}
	return &logAlerter{log: log}
}

type logAlerter struct {
	log *slog.Logger
}

func (a *logAlerter) Alert(ctx context.Context, format string, v ...interface{}) {
	a.log.Error(fmt.Sprintf("ALERT: %s", fmt.Sprintf(format, v...)))
}
