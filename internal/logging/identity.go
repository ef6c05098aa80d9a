package logging

import (
	"context"
	"log/slog"
	"time"
)

// IdentityHandler stamps every record with the device identity and its
// uptime, so lines from mixed fleet log uploads stay attributable to one
// device and one boot.
type IdentityHandler struct {
	inner    slog.Handler
	fixed    []slog.Attr
	bootedAt time.Time
}

// WithIdentity wraps a handler with the device stamp. Empty fields are
// omitted rather than logged blank.
func WithIdentity(inner slog.Handler, deviceID, firmware string) *IdentityHandler {
	var fixed []slog.Attr
	if deviceID != "" {
		fixed = append(fixed, slog.String("device", deviceID))
	}
	if firmware != "" {
		fixed = append(fixed, slog.String("firmware", firmware))
	}
	return &IdentityHandler{inner: inner, fixed: fixed, bootedAt: time.Now()}
}

func (h *IdentityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *IdentityHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fixed...)
	r.AddAttrs(slog.Int64("uptimeSec", int64(time.Since(h.bootedAt).Seconds())))
	return h.inner.Handle(ctx, r)
}

func (h *IdentityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &IdentityHandler{inner: h.inner.WithAttrs(attrs), fixed: h.fixed, bootedAt: h.bootedAt}
}

func (h *IdentityHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &IdentityHandler{inner: h.inner.WithGroup(name), fixed: h.fixed, bootedAt: h.bootedAt}
}
