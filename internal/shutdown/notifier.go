// Package shutdown coordinates graceful termination. A Notifier owns
// the process signal subscription and runs registered callbacks exactly
// once when the first termination request arrives; a second signal
// forces an immediate exit.
package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Notifier fans a termination request out to registered callbacks
type Notifier struct {
	logger *slog.Logger

	mu        sync.Mutex
	callbacks []func()
	once      sync.Once
	requested atomic.Bool

	signals chan os.Signal
	done    chan struct{}

	// Injectable for tests
	exit func(code int)
}

// NewNotifier creates a notifier. Call Listen to subscribe to process
// signals, or Trigger to request shutdown programmatically.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		logger:  logger,
		signals: make(chan os.Signal, 2),
		done:    make(chan struct{}),
		exit:    os.Exit,
	}
}

// RegisterCallback adds a function to run when shutdown is requested.
// Callbacks registered after shutdown began run immediately.
func (n *Notifier) RegisterCallback(fn func()) {
	n.mu.Lock()
	inProgress := n.requested.Load()
	if !inProgress {
		n.callbacks = append(n.callbacks, fn)
	}
	n.mu.Unlock()

	if inProgress {
		fn()
	}
}

// InProgress reports whether shutdown has been requested
func (n *Notifier) InProgress() bool {
	return n.requested.Load()
}

// Trigger requests shutdown and runs the registered callbacks. Safe to
// call more than once; callbacks run exactly once.
func (n *Notifier) Trigger() {
	n.once.Do(func() {
		n.requested.Store(true)

		n.mu.Lock()
		callbacks := make([]func(), len(n.callbacks))
		copy(callbacks, n.callbacks)
		n.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	})
}

// Listen subscribes to SIGINT/SIGTERM and triggers shutdown on the
// first signal. A second signal exits the process without waiting.
func (n *Notifier) Listen() {
	signal.Notify(n.signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-n.signals:
				if n.requested.Load() {
					n.logger.Warn("Second termination signal received, exiting immediately", "signal", sig.String())
					n.exit(1)
					return
				}
				n.logger.Info("Termination signal received, shutting down gracefully", "signal", sig.String())
				// Mark before the callbacks run so a rapid second signal
				// is seen as a force-exit request
				n.requested.Store(true)
				go n.Trigger()
			case <-n.done:
				return
			}
		}
	}()
}

// Stop unsubscribes from process signals and stops the listen loop
func (n *Notifier) Stop() {
	signal.Stop(n.signals)
	close(n.done)
}
