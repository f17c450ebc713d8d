// Package waypostcron runs a task on a fixed interval until its context is
// cancelled.
package waypostcron

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	waypostcli "github.com/waypost-live/waypost-go/waypost-cli"
)

type RunCallback func(ctx context.Context) error

type Handler struct {
	Logger zerolog.Logger

	service  waypostcli.Service
	interval time.Duration
	runOnce  RunCallback
}

func NewHandler(
	service waypostcli.Service,
	interval time.Duration,
	runOnce RunCallback,
) *Handler {
	return &Handler{
		Logger:   zerolog.Nop(),
		service:  service,
		interval: interval,
		runOnce:  runOnce,
	}
}

// RunOnce runs the task a single time, converting a panic into an error.
func (h *Handler) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v task panicked: %v", h.service.Name, r)
		}
	}()
	return h.runOnce(ctx)
}

// Start runs the task every interval until ctx is done. Failed runs are
// logged and do not stop the loop.
func (h *Handler) Start(ctx context.Context) error {
	if h.interval <= 0 {
		return fmt.Errorf("invalid interval %v", h.interval)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Logger.Info().Dur("interval", h.interval).Msg("starting scheduled task")
	for {
		select {
		case <-ctx.Done():
			h.Logger.Info().Msg("stopping scheduled task")
			return nil
		case <-ticker.C:
			if err := h.RunOnce(ctx); err != nil {
				h.Logger.Error().Err(err).Msg("scheduled task failed")
			}
		}
	}
}
