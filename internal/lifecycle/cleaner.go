package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rocket-sync-lite/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
	done           chan struct{}
}

func NewCleaner() *Cleaner {
	return &Cleaner{timeout: 10 * time.Second, done: make(chan struct{})}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init starts waiting for SIGINT/SIGTERM or ctx cancellation, then runs
// every registered cleaner and finally the logger shutdown.
func (c *Cleaner) Init(ctx context.Context, loggerShutdown Callable) <-chan struct{} {
	c.initOnce.Do(func() {
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		c.loggerShutdown = loggerShutdown

		go func() {
			<-sigCtx.Done()
			stop()
			logger.Info("Received shutdown signal, cleaning up")
			c.Cleanup()
		}()
	})
	return c.done
}

// Cleanup runs the cleaners in registration order. Only the first call
// does any work.
func (c *Cleaner) Cleanup() []error {
	var errs []error
	c.cleanOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		for i, callable := range cleanersCopy {
			func(idx int, cb Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, cb)
				timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if err := cb.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, cb, err)
					errs = append(errs, err)
				}
			}(i, callable)
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
	})
	return errs
}
