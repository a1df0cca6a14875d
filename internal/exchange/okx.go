// Package exchange - okx.go implements Exchange against OKX's v5 REST
// API. Generalized from NitinKhare-trader's internal/broker/dhan.go:
// same "net/http.Client + signed-header auth + typed JSON envelope"
// shape, retargeted from Dhan's JWT access-token header to OKX's
// HMAC-SHA256 request signing (timestamp + method + path + body) and
// its x-simulated-trading demo-mode flag.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

// OKXConfig holds OKX-specific REST credentials and connectivity.
type OKXConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	BaseURL    string // defaults to https://www.okx.com
	Simulated  bool   // sets x-simulated-trading: 1 (demo trading)
}

// OKXExchange implements Exchange against OKX's v5 REST API.
type OKXExchange struct {
	cfg    OKXConfig
	client *http.Client
}

// NewOKXExchange constructs an OKXExchange. The API key is required;
// base URL defaults to OKX's production host.
func NewOKXExchange(cfg OKXConfig) (*OKXExchange, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("okx exchange: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	return &OKXExchange{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

// sign implements OKX's request-signing scheme: base64(HMAC-SHA256(ts+method+path+body, secret)).
func (o *OKXExchange) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(o.cfg.SecretKey))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (o *OKXExchange) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("okx: build request: %w", err)
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", o.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(ts, method, path, string(bodyBytes)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("okx: do request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("okx: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("okx: %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("okx: decode response: %w", err)
		}
	}
	return nil
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKXExchange) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var env okxEnvelope
	if err := o.do(ctx, method, path, body, &env); err != nil {
		return nil, err
	}
	if env.Code != "" && env.Code != "0" {
		return nil, fmt.Errorf("okx: api error %s: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

// PlaceOrder places a market or limit order for an OPEN_LONG/OPEN_SHORT/ADD/REDUCE intent.
func (o *OKXExchange) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.OrderResult, error) {
	body := map[string]interface{}{
		"instId":  intent.Instrument,
		"tdMode":  "cross",
		"side":    intent.Side,
		"posSide": intent.PosSide,
		"ordType": intent.OrderType,
		"sz":      intent.Size.String(),
	}
	if intent.LimitPrice != nil {
		body["px"] = intent.LimitPrice.String()
	}

	var rows []struct {
		OrdID   string `json:"ordId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	data, err := o.call(ctx, http.MethodPost, "/api/v5/trade/order", body)
	if err != nil {
		return failedResult(intent.DecisionID, "REQUEST_FAILED", err.Error()), nil
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return failedResult(intent.DecisionID, "DECODE_FAILED", "malformed order response"), nil
	}
	row := rows[0]
	if row.SCode != "" && row.SCode != "0" {
		return failedResult(intent.DecisionID, row.SCode, row.SMsg), nil
	}
	return model.OrderResult{
		DecisionID: intent.DecisionID,
		Success:    true,
		OrderID:    row.OrdID,
		Status:     "live",
		Timestamp:  time.Now().UTC(),
	}, nil
}

// PlaceAlgoOrder places an OCO take-profit/stop-loss algo order attached to a position.
func (o *OKXExchange) PlaceAlgoOrder(ctx context.Context, algo AlgoOrder) (model.OrderResult, error) {
	body := map[string]interface{}{
		"instId":    algo.Instrument,
		"tdMode":    "cross",
		"posSide":   algo.PosSide,
		"ordType":   "oco",
		"sz":        algo.Size.String(),
	}
	if algo.StopLoss != nil {
		body["slTriggerPx"] = algo.StopLoss.String()
		body["slOrdPx"] = "-1"
	}
	if algo.TakeProfit != nil {
		body["tpTriggerPx"] = algo.TakeProfit.String()
		body["tpOrdPx"] = "-1"
	}

	var rows []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	data, err := o.call(ctx, http.MethodPost, "/api/v5/trade/order-algo", body)
	if err != nil {
		return failedResult("", "REQUEST_FAILED", err.Error()), nil
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return failedResult("", "DECODE_FAILED", "malformed algo order response"), nil
	}
	row := rows[0]
	if row.SCode != "" && row.SCode != "0" {
		return failedResult("", row.SCode, row.SMsg), nil
	}
	return model.OrderResult{Success: true, AlgoID: row.AlgoID, Status: "live", Timestamp: time.Now().UTC()}, nil
}

// CancelOrder cancels a resting order. Per spec §5, writes are never retried by this layer.
func (o *OKXExchange) CancelOrder(ctx context.Context, instrument, orderID string) error {
	_, err := o.call(ctx, http.MethodPost, "/api/v5/trade/cancel-order", map[string]interface{}{
		"instId": instrument,
		"ordId":  orderID,
	})
	return err
}

// ClosePosition market-closes the full position on (instrument, posSide).
func (o *OKXExchange) ClosePosition(ctx context.Context, instrument string, posSide model.PosSide) (model.OrderResult, error) {
	_, err := o.call(ctx, http.MethodPost, "/api/v5/trade/close-position", map[string]interface{}{
		"instId":  instrument,
		"posSide": posSide,
		"mgnMode": "cross",
	})
	if err != nil {
		return failedResult("", "REQUEST_FAILED", err.Error()), nil
	}
	return model.OrderResult{Success: true, Status: "closed", Timestamp: time.Now().UTC()}, nil
}

// SetLeverage sets per-instrument leverage, best-effort per spec §4.3 (failure logged, not fatal).
func (o *OKXExchange) SetLeverage(ctx context.Context, instrument string, leverage decimal.Decimal) error {
	_, err := o.call(ctx, http.MethodPost, "/api/v5/account/set-leverage", map[string]interface{}{
		"instId": instrument,
		"lever":  leverage.String(),
		"mgnMode": "cross",
	})
	return err
}

// GetBalance returns the account's USDT-denominated equity and available balance.
func (o *OKXExchange) GetBalance(ctx context.Context) (Balance, error) {
	data, err := o.call(ctx, http.MethodGet, "/api/v5/account/balance", nil)
	if err != nil {
		return Balance{}, err
	}
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy       string `json:"ccy"`
			AvailBal  string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return Balance{}, fmt.Errorf("okx: malformed balance response")
	}
	equity, _ := decimal.NewFromString(rows[0].TotalEq)
	var available decimal.Decimal
	for _, d := range rows[0].Details {
		if d.Ccy == "USDT" {
			available, _ = decimal.NewFromString(d.AvailBal)
			break
		}
	}
	return Balance{Equity: equity, AvailableBalance: available, Currency: "USDT"}, nil
}

// GetPositions returns every open position across instruments.
func (o *OKXExchange) GetPositions(ctx context.Context) ([]model.Position, error) {
	data, err := o.call(ctx, http.MethodGet, "/api/v5/account/positions", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		InstID    string `json:"instId"`
		PosSide   string `json:"posSide"`
		Pos       string `json:"pos"`
		AvgPx     string `json:"avgPx"`
		Upl       string `json:"upl"`
		UplRatio  string `json:"uplRatio"`
		Lever     string `json:"lever"`
		LiqPx     string `json:"liqPx"`
		Margin    string `json:"margin"`
		MgnRatio  string `json:"mgnRatio"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: malformed positions response: %w", err)
	}

	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			Instrument:       r.InstID,
			PosSide:          model.PosSide(r.PosSide),
			Size:             mustDecimal(r.Pos),
			AvgEntry:         mustDecimal(r.AvgPx),
			UnrealizedPnL:    mustDecimal(r.Upl),
			PnLRatio:         mustDecimal(r.UplRatio),
			Leverage:         mustDecimal(r.Lever),
			LiquidationPrice: mustDecimal(r.LiqPx),
			Margin:           mustDecimal(r.Margin),
			MarginRatio:      mustDecimal(r.MgnRatio),
			LastUpdate:       time.Now().UTC(),
		})
	}
	return out, nil
}

// GetCandles fetches the most recent limit candles for (instrument, timeframe).
func (o *OKXExchange) GetCandles(ctx context.Context, instrument string, timeframe model.Timeframe, limit int) ([]model.Candle, error) {
	bar := okxBar(timeframe)
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", instrument, bar, limit)
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: malformed candles response: %w", err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		msec, _ := strconv.ParseInt(row[0], 10, 64)
		out = append(out, model.Candle{
			Instrument: instrument,
			Timeframe:  timeframe,
			Time:       time.UnixMilli(msec).UTC(),
			Open:       mustDecimal(row[1]),
			High:       mustDecimal(row[2]),
			Low:        mustDecimal(row[3]),
			Close:      mustDecimal(row[4]),
			Volume:     mustDecimal(row[5]),
		})
	}
	// OKX returns newest-first; callers (candle.Store.Backfill) expect oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetTicker fetches the latest traded price for instrument.
func (o *OKXExchange) GetTicker(ctx context.Context, instrument string) (Ticker, error) {
	path := fmt.Sprintf("/api/v5/market/ticker?instId=%s", instrument)
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Ticker{}, err
	}
	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return Ticker{}, fmt.Errorf("okx: malformed ticker response")
	}
	msec, _ := strconv.ParseInt(rows[0].Ts, 10, 64)
	return Ticker{Instrument: instrument, LastPrice: mustDecimal(rows[0].Last), Timestamp: time.UnixMilli(msec).UTC()}, nil
}

// GetOrderBook fetches the top-depth order book for instrument.
func (o *OKXExchange) GetOrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", instrument, depth)
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return model.OrderBook{}, err
	}
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return model.OrderBook{}, fmt.Errorf("okx: malformed order book response")
	}

	var ob model.OrderBook
	ob.Bids = levelsFrom(rows[0].Bids)
	ob.Asks = levelsFrom(rows[0].Asks)
	if len(ob.Bids) > 0 && len(ob.Asks) > 0 {
		ob.Spread = ob.Asks[0].Price.Sub(ob.Bids[0].Price)
	}
	for _, l := range ob.Bids {
		ob.BidDepthSum = ob.BidDepthSum.Add(l.Size)
	}
	for _, l := range ob.Asks {
		ob.AskDepthSum = ob.AskDepthSum.Add(l.Size)
	}
	return ob, nil
}

func levelsFrom(rows [][]string) []model.OrderBookLevel {
	out := make([]model.OrderBookLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, model.OrderBookLevel{Price: mustDecimal(r[0]), Size: mustDecimal(r[1])})
	}
	return out
}

// GetFundingRate fetches the current perpetual-swap funding rate.
func (o *OKXExchange) GetFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/api/v5/public/funding-rate?instId=%s", instrument)
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var rows []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("okx: malformed funding rate response")
	}
	return mustDecimal(rows[0].FundingRate), nil
}

// GetOpenInterest fetches the current open interest for instrument.
func (o *OKXExchange) GetOpenInterest(ctx context.Context, instrument string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/api/v5/public/open-interest?instId=%s", instrument)
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var rows []struct {
		OI string `json:"oi"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("okx: malformed open interest response")
	}
	return mustDecimal(rows[0].OI), nil
}

// GetLongShortRatio fetches the account long/short ratio for instrument's underlying.
func (o *OKXExchange) GetLongShortRatio(ctx context.Context, instrument string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/api/v5/rubik-stat/contracts/long-short-account-ratio?ccy=%s&period=5m", underlying(instrument))
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 || len(rows[0]) < 2 {
		return decimal.Zero, fmt.Errorf("okx: malformed long/short ratio response")
	}
	return mustDecimal(rows[0][1]), nil
}

// GetTakerVolume fetches the taker buy/sell volume ratio for instrument's underlying.
func (o *OKXExchange) GetTakerVolume(ctx context.Context, instrument string) (buyRatio, sellRatio decimal.Decimal, err error) {
	path := fmt.Sprintf("/api/v5/rubik-stat/taker-volume?ccy=%s&instType=SWAP&period=5m", underlying(instrument))
	data, callErr := o.call(ctx, http.MethodGet, path, nil)
	if callErr != nil {
		return decimal.Zero, decimal.Zero, callErr
	}
	var rows [][]string
	if jsonErr := json.Unmarshal(data, &rows); jsonErr != nil || len(rows) == 0 || len(rows[0]) < 3 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("okx: malformed taker volume response")
	}
	buyVol := mustDecimal(rows[0][1])
	sellVol := mustDecimal(rows[0][2])
	total := buyVol.Add(sellVol)
	if total.IsZero() {
		half := decimal.NewFromFloat(0.5)
		return half, half, nil
	}
	return buyVol.Div(total), sellVol.Div(total), nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func okxBar(tf model.Timeframe) string {
	switch tf {
	case model.Timeframe5m:
		return "5m"
	case model.Timeframe15m:
		return "15m"
	case model.Timeframe1H:
		return "1H"
	case model.Timeframe4H:
		return "4H"
	default:
		return "1H"
	}
}

// underlying derives the spot/index ccy OKX's rubik-stat endpoints key
// on (e.g. "BTC-USDT-SWAP" -> "BTC") from an instId.
func underlying(instrument string) string {
	for i := 0; i < len(instrument); i++ {
		if instrument[i] == '-' {
			return instrument[:i]
		}
	}
	return instrument
}
