package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClientWithOptions(Options{
		BaseURL:            srv.URL,
		Token:              "secret",
		DeviationPoints:    10,
		RequestsPerSec:     100,
		RetryMaxElapsedSec: 2,
	})
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(http.StatusBadRequest, []byte(`{"error":"Invalid stops","retcode":10016}`))
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("parseAPIError() type = %T, want APIError", err)
	}
	if apiErr.Code != core.RetCodeInvalidStops {
		t.Fatalf("apiErr.Code = %d, want 10016", apiErr.Code)
	}

	err = parseAPIError(http.StatusNotFound, []byte(`{"error":"Order not found"}`))
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("parseAPIError(order not found) = %v, want ErrOrderNotFound", err)
	}

	err = parseAPIError(http.StatusBadGateway, []byte("bad gateway"))
	if !strings.Contains(err.Error(), "bridge http 502") {
		t.Fatalf("parseAPIError(non-json) = %v, want http status", err)
	}
}

func TestDefaultEventsURL(t *testing.T) {
	if got := defaultEventsURL("https://bridge.local:8787"); got != "wss://bridge.local:8787/events" {
		t.Fatalf("defaultEventsURL(https) = %q", got)
	}
	if got := defaultEventsURL("http://127.0.0.1:8787"); got != "ws://127.0.0.1:8787/events" {
		t.Fatalf("defaultEventsURL(http) = %q", got)
	}
}

func TestSnapshotFromBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/symbols/EURUSD":
			_, _ = io.WriteString(w, `{"symbol":"EURUSD","digits":5,"point":"0.00001","contract_size":"100000","stops_level":100,"volume_min":"0.01","volume_max":"100","volume_step":"0.01","trade_allowed":true}`)
		case "/ticks/EURUSD":
			_, _ = io.WriteString(w, `{"bid":"1.09990","ask":"1.10002","time_msc":1700000000000}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	snap, err := instrument.Fetch(context.Background(), newTestClient(srv), "EURUSD", 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !snap.PipValue.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("PipValue = %s, want 10", snap.PipValue)
	}
	if !snap.SpreadPips.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("SpreadPips = %s, want 1.2", snap.SpreadPips)
	}
	if !snap.MinStopDistancePips.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("MinStopDistancePips = %s, want 10", snap.MinStopDistancePips)
	}
}

func TestUnknownSymbolIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"symbol not found"}`)
	}))
	defer srv.Close()

	_, err := instrument.Fetch(context.Background(), newTestClient(srv), "NOPE", 0)
	if !errors.Is(err, core.ErrSymbolUnavailable) {
		t.Fatalf("Fetch() error = %v, want ErrSymbolUnavailable", err)
	}
}

func TestSubmitMarketOrder(t *testing.T) {
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/market" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"retcode":10009,"order":501,"position":501,"volume":"0.10","price":"1.10002"}`)
	}))
	defer srv.Close()

	receipt, err := newTestClient(srv).SubmitMarketOrder(context.Background(), core.MarketOrder{
		Symbol: "EURUSD", Side: core.Buy, Volume: decimal.RequireFromString("0.10"),
		TakeProfitPrice: decimal.RequireFromString("1.11"), Magic: 1001, Tag: "tl:1001:0",
	})
	if err != nil {
		t.Fatalf("SubmitMarketOrder() error = %v", err)
	}
	if receipt.PositionID != "501" || receipt.Code != core.RetCodeDone {
		t.Fatalf("receipt = %+v", receipt)
	}
	if got.Type != "BUY" || got.Comment != "tl:1001:0" || got.Deviation != 10 || got.Magic != 1001 {
		t.Fatalf("request = %+v", got)
	}
}

func TestSubmitPendingOrderRejectedRetcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Type != "SELL_STOP" {
			t.Errorf("type = %q, want SELL_STOP", req.Type)
		}
		_, _ = io.WriteString(w, `{"retcode":10016,"comment":"Invalid stops"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SubmitPendingOrder(context.Background(), core.PendingOrder{
		Symbol: "EURUSD", Side: core.Sell, Volume: decimal.RequireFromString("0.13"),
		TriggerPrice: decimal.RequireFromString("1.0969"),
	})
	var execErr *core.ExecutionError
	if !errors.As(err, &execErr) || execErr.Code != core.RetCodeInvalidStops {
		t.Fatalf("SubmitPendingOrder() error = %v, want invalid stops", err)
	}
	if !errors.Is(err, core.ErrExecutionRejected) {
		t.Fatalf("SubmitPendingOrder() error = %v, want ErrExecutionRejected", err)
	}
}

func TestSubmitHTTPErrorCarriesRetcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"No money","retcode":10019}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SubmitMarketOrder(context.Background(), core.MarketOrder{Symbol: "EURUSD", Side: core.Buy})
	var execErr *core.ExecutionError
	if !errors.As(err, &execErr) || execErr.Code != core.RetCodeNoMoney || execErr.Op != core.OpSubmitMarket {
		t.Fatalf("SubmitMarketOrder() error = %v, want no money", err)
	}
}

func TestCancelMissingOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/orders/777" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("comment") != "tl:1001:2" {
			t.Errorf("comment = %q", r.URL.Query().Get("comment"))
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv).CancelPendingOrder(context.Background(), "777", "tl:1001:2")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelPendingOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"retcode":10018,"comment":"Market closed"}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).CancelPendingOrder(context.Background(), "777", "")
	if !errors.Is(err, core.ErrCancelRejected) || errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelPendingOrder() error = %v, want ErrCancelRejected only", err)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[{"ticket":9,"symbol":"EURUSD","type":"SELL","volume":"0.1","price_open":"1.0999","magic":1002,"comment":"tl:1002:0"}]`)
	}))
	defer srv.Close()

	positions, err := newTestClient(srv).OpenPositions(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("OpenPositions() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(positions) != 1 || positions[0].Ticket != "9" || positions[0].Side != core.Sell || positions[0].Magic != 1002 {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestGetDoesNotRetryUnauthorized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PendingOrders(context.Background(), "EURUSD")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("PendingOrders() error = %v, want ErrUnauthorized", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPendingOrdersMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "EURUSD" {
			t.Errorf("symbol = %q", r.URL.Query().Get("symbol"))
		}
		_, _ = io.WriteString(w, `[{"ticket":11,"symbol":"EURUSD","type":"BUY_STOP","volume_current":"0.13","price_open":"1.103","magic":1001,"comment":"tl:1001:1"}]`)
	}))
	defer srv.Close()

	orders, err := newTestClient(srv).PendingOrders(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("PendingOrders() error = %v", err)
	}
	if len(orders) != 1 || orders[0].Kind != core.KindBuyStop || orders[0].OrderID != "11" || orders[0].Tag != "tl:1001:1" {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestEventStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"position_closed","symbol":"GBPUSD","ticket":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"position_closed","symbol":"EURUSD","ticket":501,"magic":1001}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClientWithOptions(Options{BaseURL: srv.URL, Token: "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer stream.Close()

	events, _ := stream.Events(ctx, "EURUSD")
	select {
	case ev := <-events:
		if ev.Ticket != 501 || ev.Type != "position_closed" {
			t.Fatalf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
}
