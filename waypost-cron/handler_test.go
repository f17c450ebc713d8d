package waypostcron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tj/assert"

	waypostcli "github.com/waypost-live/waypost-go/waypost-cli"
)

func TestRunOnce(t *testing.T) {
	service := waypostcli.Service{Name: "test"}

	h := NewHandler(service, time.Second, func(context.Context) error {
		panic("boom")
	})
	err := h.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	want := errors.New("failed")
	h = NewHandler(service, time.Second, func(context.Context) error { return want })
	assert.True(t, errors.Is(h.RunOnce(context.Background()), want))
}

func TestStart(t *testing.T) {
	var runs int32
	h := NewHandler(waypostcli.Service{Name: "test"}, 5*time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("first run")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	assert.NoError(t, <-done)
	assert.True(t, atomic.LoadInt32(&runs) >= 3)
}

func TestStartRejectsInterval(t *testing.T) {
	h := NewHandler(waypostcli.Service{Name: "test"}, 0, func(context.Context) error { return nil })
	assert.Error(t, h.Start(context.Background()))
}
