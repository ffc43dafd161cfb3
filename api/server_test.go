package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/store"
	"github.com/sirupsen/logrus"
)

type fakeEngine struct {
	report    models.StatusReport
	err       error
	refreshed int
}

func (f *fakeEngine) Status(ctx context.Context) (models.StatusReport, error) {
	return f.report, f.err
}

func (f *fakeEngine) RequestAvailabilityRefresh() { f.refreshed++ }

type fakeHistory struct {
	filter store.HistoryFilter
	rows   []*models.ActiveArbitragePosition
}

func (f *fakeHistory) ListHistory(ctx context.Context, filter store.HistoryFilter) ([]*models.ActiveArbitragePosition, error) {
	f.filter = filter
	return f.rows, nil
}

func newTestServer(engine *fakeEngine, history HistorySource) http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(engine, history, logger, "0", "").Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatusAndPositions(t *testing.T) {
	engine := &fakeEngine{report: models.StatusReport{
		Ticks: 7,
		Positions: []models.PositionStatus{
			{ID: "p1", Token: "BTC", State: models.PositionStateOpen},
		},
	}}
	h := newTestServer(engine, nil)

	rec := do(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	var report models.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Ticks != 7 {
		t.Fatalf("ticks=%d want 7", report.Ticks)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}

	rec = do(t, h, http.MethodGet, "/api/positions")
	var positions []models.PositionStatus
	json.NewDecoder(rec.Body).Decode(&positions)
	if len(positions) != 1 || positions[0].ID != "p1" {
		t.Fatalf("positions=%+v", positions)
	}

	if rec := do(t, h, http.MethodPost, "/api/status"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/status code=%d", rec.Code)
	}
}

func TestStatusUnavailable(t *testing.T) {
	h := newTestServer(&fakeEngine{err: errors.New("engine stopped")}, nil)
	if rec := do(t, h, http.MethodGet, "/api/status"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", rec.Code)
	}
}

func TestOpportunitiesFilter(t *testing.T) {
	engine := &fakeEngine{report: models.StatusReport{Spreads: []models.TokenSpread{
		{Token: "BTC", HourlySpread: 0.004, Qualifies: true},
		{Token: "ETH", HourlySpread: 0.001},
	}}}
	h := newTestServer(engine, nil)

	var all, qualifying []models.TokenSpread
	json.NewDecoder(do(t, h, http.MethodGet, "/api/opportunities").Body).Decode(&all)
	json.NewDecoder(do(t, h, http.MethodGet, "/api/opportunities?qualifying=true").Body).Decode(&qualifying)
	if len(all) != 2 || len(qualifying) != 1 || qualifying[0].Token != "BTC" {
		t.Fatalf("all=%v qualifying=%v", all, qualifying)
	}
}

func TestHistory(t *testing.T) {
	closedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := &fakeHistory{rows: []*models.ActiveArbitragePosition{
		{ID: "p1", Token: "BTC", State: models.PositionStateClosed, ClosedAt: &closedAt},
	}}
	h := newTestServer(&fakeEngine{}, history)

	rec := do(t, h, http.MethodGet, "/api/history?token=btc&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if history.filter.Token != "btc" || history.filter.Limit != 5 {
		t.Fatalf("filter=%+v", history.filter)
	}
	var rows []models.ActiveArbitragePosition
	json.NewDecoder(rec.Body).Decode(&rows)
	if len(rows) != 1 || rows[0].ID != "p1" {
		t.Fatalf("rows=%+v", rows)
	}

	if rec := do(t, h, http.MethodGet, "/api/history?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code=%d", rec.Code)
	}
	if rec := do(t, newTestServer(&fakeEngine{}, nil), http.MethodGet, "/api/history"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no store code=%d", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine, nil)

	if rec := do(t, h, http.MethodGet, "/api/availability/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/availability/refresh"); rec.Code != http.StatusAccepted {
		t.Fatalf("POST code=%d", rec.Code)
	}
	if engine.refreshed != 1 {
		t.Fatalf("refreshed=%d want 1", engine.refreshed)
	}
}
