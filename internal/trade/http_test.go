package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/trade"
)

func newTestRouter(svc *trade.Service) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.HandleCreateMarket)
	r.Get("/api/v1/markets/{marketID}", svc.HandleGetMarket)
	r.Post("/api/v1/bets", svc.HandlePlaceBet)
	r.Delete("/api/v1/bets/{betID}", svc.HandleCancelBet)
	r.Get("/api/v1/balance/{userID}", svc.HandleGetBalance)
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlePlaceBet(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)
	router := newTestRouter(svc)

	w := postJSON(t, router, "/api/v1/bets", trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var bet model.Bet
	if err := json.Unmarshal(w.Body.Bytes(), &bet); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !bet.IsFilled || bet.UserID != "alice" {
		t.Errorf("unexpected bet in response: %+v", bet)
	}
}

func TestHandlePlaceBet_ErrorStatuses(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 10)
	router := newTestRouter(svc)

	cases := []struct {
		name string
		req  trade.PlaceBetRequest
		want int
	}{
		{
			"missing fields",
			trade.PlaceBetRequest{UserID: "alice"},
			http.StatusBadRequest,
		},
		{
			"bad outcome",
			trade.PlaceBetRequest{UserID: "alice", ContractID: "m1", Outcome: "MAYBE", Amount: d(5)},
			http.StatusBadRequest,
		},
		{
			"insufficient balance",
			trade.PlaceBetRequest{UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(500)},
			http.StatusConflict,
		},
		{
			"unknown market",
			trade.PlaceBetRequest{UserID: "alice", ContractID: "nope", Outcome: model.OutcomeYes, Amount: d(5)},
			http.StatusNotFound,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/v1/bets", c.req)
			if w.Code != c.want {
				t.Errorf("expected %d, got %d: %s", c.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleCancelBet_Forbidden(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)
	router := newTestRouter(svc)

	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(20), LimitProb: dp(0.3),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/bets/"+bet.ID+"?user_id=mallory", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleGetMarket(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets/m1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var m model.Contract
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "m1" || m.OutcomeKind != model.KindBinary {
		t.Errorf("unexpected market: %+v", m)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/markets/ghost", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}
}
