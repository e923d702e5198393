//go:build !windows

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tools.zach/dev/neildev/internal/config"
	"tools.zach/dev/neildev/internal/devclient"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/waitq"
)

// ///////////////////////////////////////////////
// run Tests
// ///////////////////////////////////////////////

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "neild")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.Endpoint.Path = filepath.Join(dir, "n.sock")
	cfg.Triggers = []config.TriggerConfig{{Kind: "timer", IntervalMS: 20}}
	return cfg
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger.Discard(), "test") }()

	var conn *devclient.Conn
	deadline := time.Now().Add(3 * time.Second)
	for {
		c, err := devclient.Dial(context.Background(), devclient.Config{Path: cfg.Endpoint.Path, Client: "test"})
		if err == nil {
			conn = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("endpoint never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	outcome, err := conn.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome != waitq.Ready {
		t.Fatalf("Wait = %v, want Ready from the timer trigger", outcome)
	}

	got, err := conn.Read(context.Background(), 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != cfg.Device.ReadPayload {
		t.Errorf("Read = %q, want %q", got, cfg.Device.ReadPayload)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after shutdown")
	}
	if _, err := os.Stat(cfg.Endpoint.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("endpoint still present after shutdown: %v", err)
	}
}

func TestRun_MetricsListenFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Listen = "256.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, logger.Discard(), "test") }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected metrics listen error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after metrics failure")
	}
}

func TestRun_BadEndpoint(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Endpoint.Path, []byte("not a socket"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), cfg, logger.Discard(), "test"); err == nil {
		t.Fatal("expected load error when the endpoint path is a regular file")
	}
}

// ///////////////////////////////////////////////
// checkStalePID Tests
// ///////////////////////////////////////////////

func TestCheckStalePID_Alive(t *testing.T) {
	dirs := DataPaths{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dirs, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer removePID(dirs, token, f)

	alive, pid := checkStalePID(dirs)
	if !alive || pid != os.Getpid() {
		t.Errorf("checkStalePID() = %v, %d, want true, %d", alive, pid, os.Getpid())
	}
}
