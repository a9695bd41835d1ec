package daemonrun_test

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"tender/internal/daemonrun"
	"tender/internal/history"
	"tender/internal/ipc"
	"tender/internal/logging"
	"tender/internal/testsupport"
)

func waitForDiscovery(t *testing.T, path string) ipc.ServerConfig {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := ipc.Running(path); ok {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never published %s", path)
	return ipc.ServerConfig{}
}

func TestRunServesSpawnsUntilCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var echo bytes.Buffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{
			Version: "test",
			Logger:  logging.NewNop(),
			Stdout:  &echo,
			Stderr:  &echo,
		})
	}()

	rec := waitForDiscovery(t, cfg.Server.DiscoveryPath)
	if rec.PID != os.Getpid() || rec.Version != "test" {
		t.Fatalf("unexpected discovery record %+v", rec)
	}

	client, err := ipc.Connect(cfg.Server.DiscoveryPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var stdout, stderr bytes.Buffer
	code, ok, err := client.Spawn(testsupport.ProjectDir(t), &stdout, &stderr)
	_ = client.Close()
	if err != nil || !ok || code != 0 {
		t.Fatalf("Spawn: code=%d ok=%v err=%v stderr=%q", code, ok, err, stderr.String())
	}
	if stdout.String() != "worker booting\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := os.Stat(cfg.Server.DiscoveryPath); !os.IsNotExist(err) {
		t.Fatalf("discovery record should be removed, stat err = %v", err)
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one journal row, got %d", len(records))
	}
}

func TestRunMarksInterruptedSpawnsOnStartup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	id, err := store.Begin(context.Background(), history.SpawnStart{
		Directory:   "/srv/app",
		ProjectRoot: "/srv/app",
		CacheKey:    "%2Fsrv%2Fapp",
		Nonce:       "n",
		StartedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{Logger: logging.NewNop()})
	}()
	waitForDiscovery(t, cfg.Server.DiscoveryPath)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	reopened, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	rec, err := reopened.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != history.StateInterrupted {
		t.Fatalf("state = %s, want %s", rec.State, history.StateInterrupted)
	}
}

func TestRunKeepsSpawnsOwnedByLiveServer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	id, err := store.Begin(context.Background(), history.SpawnStart{
		Directory:   "/srv/app",
		ProjectRoot: "/srv/app",
		CacheKey:    "%2Fsrv%2Fapp",
		Nonce:       "n",
		ServerPID:   os.Getpid(),
		StartedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{Logger: logging.NewNop()})
	}()
	waitForDiscovery(t, cfg.Server.DiscoveryPath)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	reopened, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	rec, err := reopened.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != history.StateStarting {
		t.Fatalf("state = %s, want %s", rec.State, history.StateStarting)
	}
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	first := testsupport.NewConfig(t, testsupport.WithHistoryDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, first, daemonrun.Options{Logger: logging.NewNop()})
	}()
	rec := waitForDiscovery(t, first.Server.DiscoveryPath)

	second := testsupport.NewConfig(t, testsupport.WithHistoryDisabled())
	second.Server.Port = rec.Port
	err := daemonrun.Run(context.Background(), second, daemonrun.Options{Logger: logging.NewNop()})
	if err == nil || !strings.Contains(err.Error(), "start dispatch server") {
		t.Fatalf("expected bind failure, got %v", err)
	}

	cancel()
	<-errCh
}

func TestRunRequiresConfig(t *testing.T) {
	if err := daemonrun.Run(context.Background(), nil, daemonrun.Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}
