package rabbitmq

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stopper is anything the coordinator can stop
type Stopper interface {
	Stop(ctx context.Context) error
}

// StopperFunc adapts a function to Stopper
type StopperFunc func(ctx context.Context) error

// Stop implements Stopper
func (f StopperFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

// ShutdownCoordinator stops its registered stoppers on the first termination
// signal and then exits the process: code 0 once every stopper returned,
// 1 when the timeout ran out first.
type ShutdownCoordinator struct {
	timeout time.Duration
	logger  *slog.Logger
	signals []os.Signal
	exit    func(code int)
	source  <-chan os.Signal

	mu       sync.Mutex
	stoppers []Stopper
	notified chan os.Signal
	started  bool

	quit      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// ShutdownOption configures the coordinator
type ShutdownOption func(*ShutdownCoordinator)

// WithShutdownTimeout bounds how long the stoppers may take; default 10s
func WithShutdownTimeout(timeout time.Duration) ShutdownOption {
	return func(sc *ShutdownCoordinator) {
		sc.timeout = timeout
	}
}

// WithShutdownLogger sets the logger
func WithShutdownLogger(logger *slog.Logger) ShutdownOption {
	return func(sc *ShutdownCoordinator) {
		sc.logger = logger
	}
}

// WithSignals replaces the default SIGTERM and SIGINT
func WithSignals(signals ...os.Signal) ShutdownOption {
	return func(sc *ShutdownCoordinator) {
		sc.signals = signals
	}
}

// WithExitFunc replaces os.Exit
func WithExitFunc(exit func(code int)) ShutdownOption {
	return func(sc *ShutdownCoordinator) {
		sc.exit = exit
	}
}

// WithSignalSource reads signals from ch instead of subscribing to the process
func WithSignalSource(ch <-chan os.Signal) ShutdownOption {
	return func(sc *ShutdownCoordinator) {
		sc.source = ch
	}
}

// NewShutdownCoordinator creates a coordinator; call Start to begin listening
func NewShutdownCoordinator(options ...ShutdownOption) *ShutdownCoordinator {
	sc := &ShutdownCoordinator{
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		signals: []os.Signal{syscall.SIGTERM, os.Interrupt},
		exit:    os.Exit,
		quit:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(sc)
	}

	if sc.logger == nil {
		sc.logger = slog.Default()
	}
	if sc.timeout <= 0 {
		sc.timeout = 10 * time.Second
	}
	return sc
}

// Register adds a stopper
func (sc *ShutdownCoordinator) Register(s Stopper) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stoppers = append(sc.stoppers, s)
}

// Start listens for termination signals in the background. Calling it more
// than once has no effect.
func (sc *ShutdownCoordinator) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.started {
		return
	}
	sc.started = true

	source := sc.source
	if source == nil {
		sc.notified = make(chan os.Signal, 1)
		signal.Notify(sc.notified, sc.signals...)
		source = sc.notified
	}

	go sc.wait(source)
}

func (sc *ShutdownCoordinator) wait(source <-chan os.Signal) {
	select {
	case sig := <-source:
		select {
		case <-sc.quit:
			return
		default:
		}
		sc.logger.Info("received shutdown signal", "signal", sig.String(), "timeout", sc.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
		err := sc.Shutdown(ctx)
		cancel()

		if err != nil {
			sc.logger.Error("graceful shutdown did not complete", "error", err)
			sc.exit(1)
			return
		}
		sc.logger.Info("graceful shutdown complete")
		sc.exit(0)

	case <-sc.quit:
	}
}

// Shutdown stops every registered stopper concurrently, exactly once. Later
// calls return the first result.
func (sc *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	sc.stopOnce.Do(func() {
		sc.mu.Lock()
		stoppers := append([]Stopper(nil), sc.stoppers...)
		sc.mu.Unlock()

		var g errgroup.Group
		for _, s := range stoppers {
			g.Go(func() error {
				return s.Stop(ctx)
			})
		}
		sc.stopErr = g.Wait()
	})
	return sc.stopErr
}

// Close stops listening for signals. A shutdown already in progress is not
// interrupted.
func (sc *ShutdownCoordinator) Close() {
	sc.closeOnce.Do(func() {
		close(sc.quit)

		sc.mu.Lock()
		defer sc.mu.Unlock()
		if sc.notified != nil {
			signal.Stop(sc.notified)
		}
	})
}
