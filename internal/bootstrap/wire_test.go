package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"yaxha/internal/config"
	"yaxha/internal/domain"
)

func TestBuildSuccess(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("YAXHA_POLICY_FILE", "")
	t.Setenv("YAXHA_LEXICON_FILE", "")

	services, err := Build(zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if services.Controller == nil || services.Bus == nil || services.Speaker == nil || services.Analyzer == nil {
		t.Fatalf("expected a fully wired graph: %+v", services)
	}
	if got := services.Controller.Snapshot().Stage; got != domain.StageIntroduction {
		t.Fatalf("expected initial stage Introduction, got %s", got)
	}
}

func TestBuildFailsOnInvalidLexicon(t *testing.T) {
	home := t.TempDir()
	lexicon := filepath.Join(home, "bad.rules")
	if err := os.WriteFile(lexicon, []byte("not a valid rule\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("YAXHA_POLICY_FILE", "")
	t.Setenv("YAXHA_LEXICON_FILE", lexicon)

	if _, err := Build(zerolog.Nop()); err == nil {
		t.Fatalf("expected build error due to invalid lexicon")
	}
}

func TestRunReportsDisconnectAndStops(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backend.URL = "ws://127.0.0.1:1/listen"
	cfg.Backend.ConnectDelay = 0
	cfg.Backend.HandshakeTimeout = 200 * time.Millisecond
	cfg.Speech.Enabled = false

	services, err := BuildWith(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- services.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for services.Controller.Snapshot().Error == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected a connection error, snapshot %+v", services.Controller.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
}
