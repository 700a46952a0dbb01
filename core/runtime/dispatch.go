package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
)

// Dispatcher routes raw webhook deliveries to sessions.
type Dispatcher struct {
	reg *Registry
}

// NewDispatcher returns a dispatcher over reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Dispatch resolves the session of credential and hands it raw. It returns
// once the update is queued; command execution happens later. Bootstrap
// faults and malformed payloads are logged and swallowed so the platform does
// not redeliver them. The only error is ctx ending while a bootstrap is in
// flight.
func (d *Dispatcher) Dispatch(ctx context.Context, credential string, raw []byte) error {
	start := time.Now()
	ctx = logger.WithBot(ctx, platform.Key(credential))

	s, err := d.reg.Resolve(ctx, credential)
	if err != nil {
		var bf *BootstrapFault
		if errors.As(err, &bf) {
			logger.Warn(ctx, "registry", "dispatch.bootstrap",
				slog.String("status", "fail"),
				slog.String("stage", bf.Stage),
				slog.String("err", bf.Err.Error()),
			)
			return nil
		}
		return err
	}

	if err := s.Deliver(raw); err != nil {
		logger.Warn(ctx, "session", "update.rejected",
			slog.String("status", "fail"),
			slog.Int("bytes", len(raw)),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		return nil
	}
	if logger.ShouldSampleDebug() {
		logger.Debug(ctx, "session", "update.queued",
			slog.Int("bytes", len(raw)),
			slog.Duration("duration", logger.Took(start)),
		)
	}
	return nil
}
