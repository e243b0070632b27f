package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestWatcherDeliversChangeEvents(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rulesPath := cfg.RulesPath()
	if err := os.WriteFile(rulesPath, []byte("defaultEffect: deny\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewWatcher(cfg, slog.New(slog.DiscardHandler))
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(rulesPath, []byte("defaultEffect: allow\n"), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}

	select {
	case ev := <-watcher.Events():
		if ev.Path != rulesPath {
			t.Fatalf("event path = %q, want %q", ev.Path, rulesPath)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	watcher := NewWatcher(cfg, slog.New(slog.DiscardHandler))
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-watcher.Events():
		if ok {
			t.Fatal("got event after cancel, want closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel did not close after cancel")
	}
}
