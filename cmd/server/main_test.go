package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tc "github.com/linnemanlabs/ticketsmith/internal/cfg"
	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestCredentialsPreflight(t *testing.T) {
	t.Parallel()

	c := &tc.Config{Provider: tc.ProviderOpenRouter}
	check := credentialsPreflight(c)

	err := check()
	if !errors.Is(err, intake.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	for _, want := range []string{"openrouter api key", "syncro api key", "syncro subdomain"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %q", err, want)
		}
	}

	// the closure reads the live config
	c.OpenRouterAPIKey = "sk-or"
	c.SyncroAPIKey = "T123"
	c.SyncroSubdomain = "acme-it"
	if err := check(); err != nil {
		t.Errorf("err = %v, want nil once configured", err)
	}
}

type countingSweeper struct {
	calls   atomic.Int32
	maxIdle atomic.Int64
}

func (s *countingSweeper) Sweep(_ context.Context, maxIdle time.Duration) int {
	s.maxIdle.Store(int64(maxIdle))
	s.calls.Add(1)
	return 0
}

func TestSweepLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := &countingSweeper{}
	done := make(chan struct{})
	go func() {
		sweepLoop(ctx, s, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if s.calls.Load() < 2 {
		t.Fatalf("sweeps = %d, want at least 2", s.calls.Load())
	}
	if got := time.Duration(s.maxIdle.Load()); got != time.Hour {
		t.Errorf("maxIdle = %s, want 1h", got)
	}
}
