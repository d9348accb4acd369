package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
)

func TestBackoffLadder(t *testing.T) {
	max := time.Minute
	cases := []struct {
		fails int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{20, time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.fails, max); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.fails, got, tc.want)
		}
	}
}

func TestCrashedUnitRestarts(t *testing.T) {
	sup := New(config.SupervisorConfig{
		PIDFile:    filepath.Join(t.TempDir(), "test.pid"),
		FastCrash:  time.Minute,
		MaxBackoff: time.Minute,
	}, nil, zerolog.Nop())
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.runUnit(ctx, Unit{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("boom")
	}})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("unit restarted %d times, want 3", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCleanStopDoesNotRestart(t *testing.T) {
	sup := New(config.SupervisorConfig{
		PIDFile: filepath.Join(t.TempDir(), "test.pid"),
	}, nil, zerolog.Nop())

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sup.runUnit(ctx, Unit{Name: "clean", Run: func(ctx context.Context) error {
			runs.Add(1)
			return ctx.Err()
		}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runUnit did not return after cancellation")
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestDrainOverrunExitsWithError(t *testing.T) {
	sup := New(config.SupervisorConfig{
		PIDFile:     filepath.Join(t.TempDir(), "test.pid"),
		DrainPeriod: 20 * time.Millisecond,
	}, nil, zerolog.Nop())
	sup.Add("stuck", func(ctx context.Context) error {
		<-make(chan struct{}) // ignores cancellation, never drains
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := sup.Run(ctx); code != ExitError {
		t.Errorf("drain overrun exit code = %d, want %d", code, ExitError)
	}
}

func TestHeldPIDFileExitsDependency(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "test.pid")
	first := New(config.SupervisorConfig{PIDFile: pidfile}, nil, zerolog.Nop())
	if err := first.writePIDFile(); err != nil {
		t.Fatalf("first instance: %v", err)
	}

	second := New(config.SupervisorConfig{PIDFile: pidfile}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := second.Run(ctx); code != ExitDependency {
		t.Errorf("held pidfile exit code = %d, want %d", code, ExitDependency)
	}
}

func TestPIDFileBlocksSecondInstance(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "test.pid")
	sup := New(config.SupervisorConfig{PIDFile: pidfile}, nil, zerolog.Nop())

	if err := sup.writePIDFile(); err != nil {
		t.Fatalf("first instance: %v", err)
	}
	second := New(config.SupervisorConfig{PIDFile: pidfile}, nil, zerolog.Nop())
	if err := second.writePIDFile(); err == nil {
		t.Error("a live pidfile must refuse the second instance")
	}
}
