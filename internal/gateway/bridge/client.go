// Package bridge talks to a terminal bridge sidecar over HTTP and a
// WebSocket event stream. The sidecar owns the terminal session; this
// client only maps its JSON to the gateway types.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"topup-ladder/internal/config"
	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

type Client struct {
	baseURL         string
	eventsURL       string
	token           string
	deviation       int64
	httpClient      *http.Client
	limiter         *rate.Limiter
	retryMaxElapsed time.Duration
}

type Options struct {
	BaseURL            string
	EventsURL          string
	Token              string
	DeviationPoints    int64
	HTTPTimeoutSec     int64
	RequestsPerSec     int
	RetryMaxElapsedSec int64
}

func NewClient(cfg config.GatewayConfig, deviationPoints int64) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base_url required")
	}
	return NewClientWithOptions(Options{
		BaseURL:            cfg.BaseURL,
		EventsURL:          cfg.EventsURL,
		Token:              cfg.Token,
		DeviationPoints:    deviationPoints,
		HTTPTimeoutSec:     cfg.HTTPTimeoutSec,
		RequestsPerSec:     cfg.RequestsPerSec,
		RetryMaxElapsedSec: cfg.RetryMaxElapsedSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	retry := 10 * time.Second
	if opts.RetryMaxElapsedSec > 0 {
		retry = time.Duration(opts.RetryMaxElapsedSec) * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	eventsURL := strings.TrimSpace(opts.EventsURL)
	if eventsURL == "" {
		eventsURL = defaultEventsURL(baseURL)
	}
	return &Client{
		baseURL:         baseURL,
		eventsURL:       eventsURL,
		token:           opts.Token,
		deviation:       opts.DeviationPoints,
		httpClient:      &http.Client{Timeout: timeout},
		limiter:         rate.NewLimiter(rate.Every(time.Second/time.Duration(rps)), rps),
		retryMaxElapsed: retry,
	}
}

func defaultEventsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/events"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/events"
	}
	return ""
}

func (c *Client) Name() string { return "bridge" }

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (instrument.Spec, error) {
	body, err := c.get(ctx, "/symbols/"+url.PathEscape(symbol), nil)
	if err != nil {
		return instrument.Spec{}, err
	}
	var resp symbolResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return instrument.Spec{}, fmt.Errorf("decode symbol %s: %w", symbol, err)
	}
	return resp.spec(), nil
}

func (c *Client) Tick(ctx context.Context, symbol string) (instrument.Quote, error) {
	body, err := c.get(ctx, "/ticks/"+url.PathEscape(symbol), nil)
	if err != nil {
		return instrument.Quote{}, err
	}
	var resp tickResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return instrument.Quote{}, fmt.Errorf("decode tick %s: %w", symbol, err)
	}
	q := instrument.Quote{Bid: resp.Bid, Ask: resp.Ask}
	if resp.TimeMs > 0 {
		q.Time = time.UnixMilli(resp.TimeMs)
	}
	return q, nil
}

func (c *Client) SubmitMarketOrder(ctx context.Context, order core.MarketOrder) (core.Receipt, error) {
	req := orderRequest{
		Symbol:    order.Symbol,
		Type:      string(order.Side),
		Volume:    order.Volume,
		TP:        order.TakeProfitPrice,
		SL:        order.StopLossPrice,
		Deviation: c.deviation,
		Magic:     order.Magic,
		Comment:   order.Tag,
	}
	return c.submit(ctx, core.OpSubmitMarket, "/orders/market", req)
}

func (c *Client) SubmitPendingOrder(ctx context.Context, order core.PendingOrder) (core.Receipt, error) {
	req := orderRequest{
		Symbol:  order.Symbol,
		Type:    string(order.Side.StopKind()),
		Volume:  order.Volume,
		Price:   order.TriggerPrice,
		TP:      order.TakeProfitPrice,
		SL:      order.StopLossPrice,
		Magic:   order.Magic,
		Comment: order.Tag,
	}
	return c.submit(ctx, core.OpSubmitPending, "/orders/pending", req)
}

func (c *Client) submit(ctx context.Context, op core.ExecOp, path string, req orderRequest) (core.Receipt, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return core.Receipt{}, err
	}
	body, err := c.doRequest(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return core.Receipt{}, executionError(op, "", err)
	}
	var res tradeResult
	if err := json.Unmarshal(body, &res); err != nil {
		return core.Receipt{}, executionError(op, "", fmt.Errorf("decode trade result: %w", err))
	}
	receipt := res.receipt()
	if !receipt.Code.Accepted() {
		return core.Receipt{}, &core.ExecutionError{Op: op, Code: receipt.Code, Msg: res.Comment, OrderID: receipt.OrderID}
	}
	return receipt, nil
}

func (c *Client) CancelPendingOrder(ctx context.Context, orderID, tag string) error {
	params := url.Values{}
	if tag != "" {
		params.Set("comment", tag)
	}
	body, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), params, nil)
	if err != nil {
		return executionError(core.OpCancel, orderID, err)
	}
	var res tradeResult
	if err := json.Unmarshal(body, &res); err != nil {
		return executionError(core.OpCancel, orderID, fmt.Errorf("decode cancel result: %w", err))
	}
	if code := core.RetCode(res.RetCode); !code.Accepted() {
		return &core.ExecutionError{Op: core.OpCancel, Code: code, Msg: res.Comment, OrderID: orderID}
	}
	return nil
}

func (c *Client) OpenPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/positions", params)
	if err != nil {
		return nil, err
	}
	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]core.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, core.Position{
			Ticket:    strconv.FormatInt(p.Ticket, 10),
			Symbol:    p.Symbol,
			Side:      core.Side(p.Type),
			Volume:    p.Volume,
			OpenPrice: p.PriceOpen,
			Magic:     p.Magic,
			Tag:       p.Comment,
		})
	}
	return out, nil
}

func (c *Client) PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/orders", params)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]core.WorkingOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, core.WorkingOrder{
			OrderID:      strconv.FormatInt(o.Ticket, 10),
			Symbol:       o.Symbol,
			Kind:         orderKind(o.Type),
			Volume:       o.Volume,
			TriggerPrice: o.PriceOpen,
			Magic:        o.Magic,
			Tag:          o.Comment,
		})
	}
	return out, nil
}

// get retries transport failures and 5xx answers with exponential backoff.
// Order requests are never retried so a timeout cannot duplicate a rung.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var body []byte
	operation := func() error {
		var err error
		body, err = c.doRequest(ctx, http.MethodGet, path, params, nil)
		if err == nil {
			return nil
		}
		if apiErr, ok := AsAPIError(err); ok && apiErr.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 200 * time.Millisecond
	strategy.MaxElapsedTime = c.retryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}
