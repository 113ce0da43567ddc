package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/config"
	"bithumb-gridbot/internal/core"
)

const DefaultBaseURL = "https://api.bithumb.com"

const (
	endpointBalance          = "/info/balance"
	endpointOrders           = "/info/orders"
	endpointUserTransactions = "/info/user_transactions"
	endpointPlace            = "/trade/place"
	endpointCancel           = "/trade/cancel"
	endpointMarketBuy        = "/trade/market_buy"
	endpointMarketSell       = "/trade/market_sell"
	endpointOrderBook        = "/public/orderbook"
)

// Observer receives one call per request with its classification, and the
// time spent waiting on the mutation limiter.
type Observer interface {
	ObserveRequest(endpoint, result string)
	ObserveRateLimitWait(d time.Duration)
}

type Options struct {
	APIKey           string
	APISecret        string
	BaseURL          string
	OrderCurrency    string
	PaymentCurrency  string
	HTTPTimeout      time.Duration
	MutationInterval time.Duration
	Progress         ProgressFunc
	Observer         Observer
	Logger           *logrus.Entry
	Now              func() time.Time
}

type Client struct {
	apiKey          string
	apiSecret       string
	orderCurrency   string
	paymentCurrency string
	http            *resty.Client
	limiter         *mutationLimiter
	observer        Observer
	log             *logrus.Entry
	now             func() time.Time

	nonceMu   sync.Mutex
	lastNonce int64
}

func NewClient(cfg config.ExchangeConfig, orderCurrency, paymentCurrency string) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	return NewClientWithOptions(Options{
		APIKey:           cfg.APIKey,
		APISecret:        cfg.APISecret,
		BaseURL:          cfg.RestBaseURL,
		OrderCurrency:    orderCurrency,
		PaymentCurrency:  paymentCurrency,
		HTTPTimeout:      time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		MutationInterval: time.Duration(cfg.MutationIntervalSec) * time.Second,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	orderCurrency := strings.ToUpper(strings.TrimSpace(opts.OrderCurrency))
	if orderCurrency == "" {
		orderCurrency = "BTC"
	}
	paymentCurrency := strings.ToUpper(strings.TrimSpace(opts.PaymentCurrency))
	if paymentCurrency == "" {
		paymentCurrency = "KRW"
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// Only idempotent public reads are retried; private calls are
			// signed POSTs and may have side effects.
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= 500
		})

	limiter := newMutationLimiter(opts.MutationInterval, opts.Progress)
	limiter.now = now

	return &Client{
		apiKey:          opts.APIKey,
		apiSecret:       opts.APISecret,
		orderCurrency:   orderCurrency,
		paymentCurrency: paymentCurrency,
		http:            httpClient,
		limiter:         limiter,
		observer:        opts.Observer,
		log:             logger.WithField("exchange", "bithumb"),
		now:             now,
	}
}

func (c *Client) Name() string {
	return "bithumb"
}

// LastRequestAt is when the last order mutation was released by the limiter.
func (c *Client) LastRequestAt() time.Time {
	return c.limiter.Last()
}

func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	env, err := c.private(ctx, endpointBalance, url.Values{"currency": {c.orderCurrency}})
	if err != nil {
		return core.Balance{}, err
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return core.Balance{}, errors.Wrapf(core.ErrTransport, "decode balance: %v", err)
	}
	coin := strings.ToLower(c.orderCurrency)
	krw := strings.ToLower(c.paymentCurrency)
	amount := func(key string) decimal.Decimal {
		v, _ := parseAmount(data[key])
		return v
	}
	last, _ := parsePrice(data["xcoin_last_"+coin])
	return core.Balance{
		TotalKRW:      amount("total_" + krw),
		InUseKRW:      amount("in_use_" + krw),
		AvailableKRW:  amount("available_" + krw),
		TotalCoin:     amount("total_" + coin),
		InUseCoin:     amount("in_use_" + coin),
		AvailableCoin: amount("available_" + coin),
		LastPrice:     last,
	}, nil
}

// CurrentPrice is the best bid of the public order book.
func (c *Client) CurrentPrice(ctx context.Context) (int64, error) {
	path := fmt.Sprintf("%s/%s_%s", endpointOrderBook, c.orderCurrency, c.paymentCurrency)
	req := c.http.R().SetContext(ctx).SetQueryParam("count", "5")
	resp, err := req.Get(path)
	env, err := c.finish(endpointOrderBook, resp, err)
	if err != nil {
		return 0, err
	}
	var book orderBookData
	if err := json.Unmarshal(env.Data, &book); err != nil {
		return 0, errors.Wrapf(core.ErrTransport, "decode orderbook: %v", err)
	}
	if len(book.Bids) == 0 {
		return 0, errors.Wrap(core.ErrTransport, "orderbook has no bids")
	}
	price, ok := parsePrice(book.Bids[0].Price)
	if !ok || price <= 0 {
		return 0, errors.Wrapf(core.ErrTransport, "invalid bid price %q", rawText(book.Bids[0].Price))
	}
	return price, nil
}

// PlacedOrders lists open orders with their remaining units. A "no pending"
// response is an empty list.
func (c *Client) PlacedOrders(ctx context.Context) ([]core.TradeRecord, error) {
	env, err := c.private(ctx, endpointOrders, url.Values{"count": {"100"}})
	if err != nil {
		if IsNoPending(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []openOrder
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errors.Wrapf(core.ErrTransport, "decode orders: %v", err)
	}
	out := make([]core.TradeRecord, 0, len(rows))
	for _, row := range rows {
		side := core.ParseSide(row.Type)
		units, ok := parseAmount(row.UnitsRemaining)
		if !ok {
			units, _ = parseAmount(row.Units)
		}
		price, _ := parsePrice(row.Price)
		placedAt, _ := parseMicros(row.OrderDate)
		rec, err := core.NewTrade(row.OrderID).
			Side(side).
			Status(core.StatusPlaced).
			Units(units).
			Price(price).
			PlacedAt(placedAt).
			Build()
		if err != nil || !side.Tradable() {
			c.log.WithFields(logrus.Fields{"order_id": row.OrderID, "type": row.Type}).Warn("skip_open_order")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ProcessedOrders reads one page of completed transactions, newest first.
// Rows that are neither buys nor sells are skipped.
func (c *Client) ProcessedOrders(ctx context.Context, offset, count int) ([]core.TradeRecord, error) {
	params := url.Values{
		"offset":   {strconv.Itoa(offset)},
		"count":    {strconv.Itoa(count)},
		"searchGb": {"0"},
	}
	env, err := c.private(ctx, endpointUserTransactions, params)
	if err != nil {
		if IsNoPending(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []userTransaction
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errors.Wrapf(core.ErrTransport, "decode transactions: %v", err)
	}
	out := make([]core.TradeRecord, 0, len(rows))
	for _, row := range rows {
		side := transactionSide(rawText(row.Search))
		if !side.Tradable() {
			continue
		}
		units, _ := parseAmount(row.Units)
		price, _ := parsePrice(row.Price)
		at, ok := parseMicros(row.TransferDate)
		if !ok {
			continue
		}
		rec, err := core.NewTrade(fmt.Sprintf("%s-%d", side, at.UnixMicro())).
			Side(side).
			Status(core.StatusProcessed).
			Units(units).
			Price(price).
			Fee(rawText(row.Fee)).
			PlacedAt(at).
			ProcessedAt(at).
			Build()
		if err != nil {
			c.log.WithFields(logrus.Fields{"transfer_date": rawText(row.TransferDate), "err": err}).Warn("skip_transaction")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, side core.Side, id string) error {
	if err := c.waitMutation(ctx); err != nil {
		return err
	}
	params := url.Values{
		"type":     {wireSide(side)},
		"order_id": {id},
	}
	_, err := c.private(ctx, endpointCancel, params)
	return err
}

func (c *Client) PlaceLimitOrder(ctx context.Context, side core.Side, units decimal.Decimal, price int64) (string, error) {
	units = core.RoundUnits(units)
	if err := core.ValidateUnits(units); err != nil {
		return "", err
	}
	if price <= 0 {
		return "", fmt.Errorf("%w: price must be > 0", core.ErrValidation)
	}
	if err := c.waitMutation(ctx); err != nil {
		return "", err
	}
	if side == core.Buy {
		need := units.Mul(decimal.NewFromInt(price))
		if err := c.requireKRW(ctx, need); err != nil {
			return "", err
		}
	}
	params := url.Values{
		"type":  {wireSide(side)},
		"units": {units.StringFixed(core.UnitPlaces)},
		"price": {strconv.FormatInt(price, 10)},
	}
	env, err := c.private(ctx, endpointPlace, params)
	if err != nil {
		return "", err
	}
	return env.OrderID, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side core.Side, units decimal.Decimal) (string, error) {
	units = core.RoundUnits(units)
	if err := core.ValidateUnits(units); err != nil {
		return "", err
	}
	if err := c.waitMutation(ctx); err != nil {
		return "", err
	}
	endpoint := endpointMarketSell
	if side == core.Buy {
		endpoint = endpointMarketBuy
		price, err := c.CurrentPrice(ctx)
		if err != nil {
			return "", err
		}
		if err := c.requireKRW(ctx, units.Mul(decimal.NewFromInt(price))); err != nil {
			return "", err
		}
	}
	env, err := c.private(ctx, endpoint, url.Values{"units": {units.StringFixed(core.UnitPlaces)}})
	if err != nil {
		return "", err
	}
	return env.OrderID, nil
}

func (c *Client) requireKRW(ctx context.Context, need decimal.Decimal) error {
	bal, err := c.Balance(ctx)
	if err != nil {
		return err
	}
	if bal.AvailableKRW.Cmp(need) < 0 {
		return fmt.Errorf("%w: need=%s available=%s", core.ErrInsufficientBalance, need.StringFixed(0), bal.AvailableKRW)
	}
	return nil
}

func (c *Client) waitMutation(ctx context.Context) error {
	waited, err := c.limiter.Wait(ctx)
	if c.observer != nil && waited > 0 {
		c.observer.ObserveRateLimitWait(waited)
	}
	if err != nil {
		return errors.Wrap(err, "mutation rate limit wait")
	}
	if waited > 0 {
		c.log.WithField("waited", waited.String()).Debug("mutation_rate_limited")
	}
	return nil
}

func (c *Client) private(ctx context.Context, endpoint string, params url.Values) (envelope, error) {
	body := url.Values{}
	for k, v := range params {
		body[k] = v
	}
	body.Set("endpoint", endpoint)
	body.Set("order_currency", c.orderCurrency)
	body.Set("payment_currency", c.paymentCurrency)
	// Encode sorts by key, which is the order the signature covers.
	encoded := body.Encode()
	nonce := strconv.FormatInt(c.nextNonce(), 10)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Api-Key", c.apiKey).
		SetHeader("Api-Sign", Sign(c.apiSecret, endpoint, encoded, nonce)).
		SetHeader("Api-Nonce", nonce).
		SetBody(encoded).
		Post(endpoint)
	return c.finish(endpoint, resp, err)
}

// finish classifies a response: an unparseable body is a transport failure,
// a missing or non-string status is malformed, anything but 0000 is business.
func (c *Client) finish(endpoint string, resp *resty.Response, reqErr error) (envelope, error) {
	env, err := decodeEnvelope(endpoint, resp, reqErr)
	result := Classification(err)
	if c.observer != nil {
		c.observer.ObserveRequest(endpoint, result)
	}
	if err != nil && !IsNoPending(err) {
		c.log.WithFields(logrus.Fields{"endpoint": endpoint, "result": result, "err": err}).Warn("request_failed")
	}
	return env, err
}

func decodeEnvelope(endpoint string, resp *resty.Response, reqErr error) (envelope, error) {
	if reqErr != nil {
		return envelope{}, errors.Wrapf(core.ErrTransport, "%s: %v", endpoint, reqErr)
	}
	if resp == nil {
		return envelope{}, errors.Wrapf(core.ErrTransport, "%s: empty response", endpoint)
	}
	var raw rawEnvelope
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return envelope{}, errors.Wrapf(core.ErrTransport, "%s: http %d: %v", endpoint, resp.StatusCode(), err)
	}
	var status string
	if len(raw.Status) == 0 || json.Unmarshal(raw.Status, &status) != nil {
		return envelope{}, errors.Wrapf(core.ErrMalformedStatus, "%s: status=%s", endpoint, string(raw.Status))
	}
	env := envelope{
		Status:  status,
		Message: rawText(raw.Message),
		Data:    raw.Data,
		OrderID: rawText(raw.OrderID),
	}
	if status != statusOK {
		return env, classifyAPIError(APIError{Status: status, Message: env.Message})
	}
	return env, nil
}

// nextNonce returns millisecond timestamps, bumped when the clock has not advanced.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

func wireSide(side core.Side) string {
	if side == core.Buy {
		return "bid"
	}
	return "ask"
}

func transactionSide(search string) core.Side {
	switch search {
	case "1":
		return core.Buy
	case "2":
		return core.Sell
	default:
		return core.NoSide
	}
}
