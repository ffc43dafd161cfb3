package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gregtusar/fundingarb/internal/config"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

func TestPrintStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.StatusReport{
			Ticks:     3,
			Spreads:   []models.TokenSpread{{Token: "BTC", LongVenue: "alpha", ShortVenue: "beta", HourlySpread: 0.004, Qualifies: true}},
			Positions: []models.PositionStatus{{ID: "p1", Token: "BTC", State: models.PositionStateOpen, Duration: "1h0m0s"}},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := printStatus(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	for _, want := range []string{"ticks: 3", "0.4000", "p1", "open"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	err := printHistory([]*models.ActiveArbitragePosition{{
		ID: "p1", Token: "ETH", State: models.PositionStateClosed, ExitReason: "spread flipped negative",
		FundingPayments: []models.FundingPayment{{Venue: "alpha", Amount: 2}},
	}}, &out)
	if err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	if !strings.Contains(out.String(), "spread flipped negative") || !strings.Contains(out.String(), "2.0000") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestSetupLogger(t *testing.T) {
	l := logrus.New()
	if f, err := setupLogger(l, config.LoggingConfig{Level: "debug", Format: "text"}); err != nil || f != nil {
		t.Fatalf("file=%v err=%v want no file", f, err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level=%v want debug", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("formatter=%T want text", l.Formatter)
	}

	if _, err := setupLogger(l, config.LoggingConfig{Level: "nope"}); err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level=%v want info fallback", l.GetLevel())
	}
}

func TestSetupLoggerFileIsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger = logrus.New()
	f, err := setupLogger(logger, config.LoggingConfig{Level: "info", File: path})
	if err != nil || f == nil {
		t.Fatalf("file=%v err=%v", f, err)
	}
	logFile = f
	logger.Info("engine started")

	closeLog()
	if logFile != nil {
		t.Fatal("log file still held after close")
	}
	if err := f.Close(); err == nil {
		t.Fatal("log file was not closed")
	}
	logger.Info("after close") // must not hit the closed file

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "engine started") || strings.Contains(string(data), "after close") {
		t.Fatalf("log contents=%q", data)
	}
}
