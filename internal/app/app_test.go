package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ranchd/internal/cache"
)

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppRunsWithDefaults(t *testing.T) {
	a := startApp(t, "")
	ctx := context.Background()
	d := a.Directors()

	if _, err := d.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	code, err := d.Login(ctx, "alice")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !d.AuthorizeChat("alice", code) {
		t.Fatal("code rejected")
	}

	snap := a.Snapshot()
	if snap.Caches["user"].Entries != 1 || snap.Caches["ranch"].Entries != 1 {
		t.Fatalf("snapshot caches = %+v", snap.Caches)
	}
	stopApp(t, a)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestAppPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ranchd.yaml")
	body := "logging:\n  level: warn\n" +
		"storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "ranch.sqlite") + "\n" +
		"tick:\n  interval: 10ms\n  flush_every: 5\n" +
		"otp:\n  sweep: \"@every 1m\"\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a := startApp(t, cfgPath)
	ctx := context.Background()
	if _, err := a.Directors().Register(ctx, "bob"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := a.Directors().AwardCarrots(ctx, "bob", 42); err != nil {
		t.Fatalf("AwardCarrots: %v", err)
	}
	// Stop performs the final flush.
	stopApp(t, a)

	b := startApp(t, cfgPath)
	defer stopApp(t, b)
	if _, err := b.Directors().Login(ctx, "nobody"); !errors.Is(err, cache.ErrEntityNotFound) {
		t.Fatalf("Login unknown err = %v", err)
	}
	total, err := b.Directors().AwardCarrots(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("AwardCarrots after restart: %v", err)
	}
	if total != 43 {
		t.Fatalf("carrots = %d, want 43", total)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(p, []byte(`{"storage":{"driver":"mongo"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(context.Background(), p); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}
