package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// FlushTelemetry releases telemetry resources before process exit: closers (e.g. the
// memcached client) first, then the log buffer. Prometheus is pull-based, so metrics
// need no flush. Errors are joined so one failure does not skip the rest.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// isIgnorableSyncError reports errors zap returns when syncing a terminal or pipe,
// which cannot be fsynced.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return msg == "sync /dev/stderr: invalid argument" || msg == "sync /dev/stdout: invalid argument" ||
		msg == "sync /dev/stderr: inappropriate ioctl for device" || msg == "sync /dev/stdout: inappropriate ioctl for device"
}
