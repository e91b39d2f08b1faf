package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle controls a monitor started with Start.
type Handle struct {
	*Monitor
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start registers seed and runs the monitor in its own goroutine until ctx
// is done or Stop is called.
func Start(ctx context.Context, gw Gateway, seed []Entry, opts Options) (*Handle, error) {
	m := New(gw, opts)
	if len(seed) > 0 {
		if err := m.Register(seed...); err != nil {
			return nil, err
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{Monitor: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		log.Info().Str("event", "monitor_started").Dur("interval", m.opts.Interval).
			Int("ladders", m.registry.Len()).Msg("ladder monitor running")
		err := m.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		h.err = err
		log.Info().Str("event", "monitor_stopped").Int("ladders", m.registry.Len()).Msg("ladder monitor stopped")
	}()
	return h, nil
}

// Stop ends the run loop and waits for it. Safe to call more than once.
func (h *Handle) Stop() error {
	h.once.Do(h.cancel)
	<-h.done
	return h.err
}

// Done is closed once the run loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }
