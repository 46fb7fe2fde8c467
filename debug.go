package spislave

import (
	"context"
	"log/slog"
)

// Task-context diagnostics go through the configured slog.Logger. The
// end-of-transfer handler never logs through here: it runs in interrupt
// context and uses bare print, which does not allocate.

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logAttrs(slog.LevelError, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logAttrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logAttrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) logAttrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		d.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
