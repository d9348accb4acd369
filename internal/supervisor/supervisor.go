// Package supervisor keeps the long-running units (pipelines, transports,
// servers) alive: crashed units restart with exponential backoff, shutdown
// drains them within a bounded period, and a pidfile guards single-instance
// runs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/events"
)

// Unit is one restartable long-running component. Run blocks until failure
// or ctx cancellation; returning ctx.Err() counts as a clean stop.
type Unit struct {
	Name string
	Run  func(ctx context.Context) error
}

// Exit codes of the process: 0 clean shutdown, 1 startup configuration
// error or a shutdown that had to be forced, 2 unrecoverable dependency
// failure (another live instance holds the pidfile).
const (
	ExitOK         = 0
	ExitError      = 1
	ExitDependency = 2
)

// Supervisor runs units and restarts the ones that fail.
type Supervisor struct {
	cfg    config.SupervisorConfig
	bus    *events.EventBus
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	units []Unit
}

func New(cfg config.SupervisorConfig, bus *events.EventBus, logger zerolog.Logger) *Supervisor {
	if cfg.DrainPeriod <= 0 {
		cfg.DrainPeriod = 5 * time.Second
	}
	if cfg.FastCrash <= 0 {
		cfg.FastCrash = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = "openclaw.pid"
	}
	return &Supervisor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "supervisor").Logger(),
		sleep:  sleepCtx,
	}
}

// Add registers a unit. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, Unit{Name: name, Run: run})
}

// Run starts every unit and blocks until SIGINT/SIGTERM or ctx cancellation,
// then drains. The returned code is the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := s.writePIDFile(); err != nil {
		s.logger.Error().Err(err).Msg("pidfile error")
		return ExitDependency
	}
	defer os.Remove(s.cfg.PIDFile)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	s.mu.Lock()
	units := append([]Unit(nil), s.units...)
	s.mu.Unlock()
	for _, u := range units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			s.runUnit(runCtx, u)
		}(u)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case got := <-sig:
		s.logger.Info().Str("signal", got.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventShutdown, Data: map[string]interface{}{}})
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("all units drained")
		return ExitOK
	case <-time.After(s.cfg.DrainPeriod):
		s.logger.Error().Dur("drain", s.cfg.DrainPeriod).Msg("drain period exceeded, forcing exit")
		return ExitError
	}
}

// runUnit restarts u until ctx ends. Crashes within the fast-crash window
// escalate the backoff; a healthy run resets it.
func (s *Supervisor) runUnit(ctx context.Context, u Unit) {
	fails := 0
	for {
		s.lifecycle(events.EventUnitStarted, u.Name, "")
		started := time.Now()
		err := u.Run(ctx)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.lifecycle(events.EventUnitStopped, u.Name, "shutdown")
			return
		}

		if time.Since(started) >= s.cfg.FastCrash {
			fails = 0
		}
		fails++
		wait := Backoff(fails, s.cfg.MaxBackoff)

		s.logger.Error().
			Err(err).
			Str("unit", u.Name).
			Int("consecutive_failures", fails).
			Dur("backoff", wait).
			Msg("unit crashed, restarting")
		s.lifecycle(events.EventUnitRestarted, u.Name, fmt.Sprintf("after %s", wait))

		if err := s.sleep(ctx, wait); err != nil {
			s.lifecycle(events.EventUnitStopped, u.Name, "shutdown")
			return
		}
	}
}

// Backoff returns the restart delay after n consecutive fast failures:
// 1s, 2s, 4s, ... capped at max.
func Backoff(n int, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30 // avoid shift overflow
	}
	d := time.Second << uint(n-1)
	if d > max {
		return max
	}
	return d
}

func (s *Supervisor) lifecycle(t events.EventType, unit, detail string) {
	if s.bus != nil {
		s.bus.PublishLifecycle(t, unit, detail)
	}
}

// writePIDFile refuses to start when another live instance holds the file.
func (s *Supervisor) writePIDFile() error {
	if data, err := os.ReadFile(s.cfg.PIDFile); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pidAlive(pid) {
			return fmt.Errorf("another instance is running with pid %d", pid)
		}
		// Stale pidfile from a crashed run.
		os.Remove(s.cfg.PIDFile)
	}
	return os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
