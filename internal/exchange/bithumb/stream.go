package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultWSURL = "wss://pubwss.bithumb.com/pub/ws"

var kst = time.FixedZone("KST", 9*60*60)

// Ticker is one public price update.
type Ticker struct {
	Symbol string
	Price  int64
	Time   time.Time
}

type tickerSubscribe struct {
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols"`
	TickTypes []string `json:"tickTypes"`
}

type tickerMessage struct {
	Type    string `json:"type"`
	Content struct {
		Symbol     string          `json:"symbol"`
		ClosePrice json.RawMessage `json:"closePrice"`
		Date       string          `json:"date"`
		Time       string          `json:"time"`
	} `json:"content"`
}

// TickerStream subscribes to the public ticker channel for one pair.
type TickerStream struct {
	URL         string
	Symbol      string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
	Log         *logrus.Entry
}

func NewTickerStream(wsURL, orderCurrency, paymentCurrency string) *TickerStream {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWSURL
	}
	return &TickerStream{
		URL:         wsURL,
		Symbol:      strings.ToUpper(orderCurrency) + "_" + strings.ToUpper(paymentCurrency),
		Dialer:      websocket.DefaultDialer,
		ReadTimeout: 60 * time.Second,
		Log:         logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Run dials, subscribes and invokes handle for each ticker until ctx ends,
// the connection fails, or handle returns an error.
func (s *TickerStream) Run(ctx context.Context, handle func(Ticker) error) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", s.URL)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	sub := tickerSubscribe{Type: "ticker", Symbols: []string{s.Symbol}, TickTypes: []string{"MID"}}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "subscribe ticker")
	}
	s.Log.WithField("symbol", s.Symbol).Info("ticker_subscribed")

	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read ticker")
		}
		tick, ok, err := parseTicker(data)
		if err != nil {
			s.Log.WithField("err", err).Debug("ticker_parse_failed")
			continue
		}
		if !ok {
			continue
		}
		if err := handle(tick); err != nil {
			return err
		}
	}
}

// parseTicker returns ok=false for status and non-ticker frames.
func parseTicker(data []byte) (Ticker, bool, error) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Ticker{}, false, err
	}
	if msg.Type != "ticker" {
		return Ticker{}, false, nil
	}
	price, ok := parsePrice(msg.Content.ClosePrice)
	if !ok || price <= 0 {
		return Ticker{}, false, fmt.Errorf("invalid closePrice %q", rawText(msg.Content.ClosePrice))
	}
	at, err := time.ParseInLocation("20060102150405", msg.Content.Date+msg.Content.Time, kst)
	if err != nil {
		return Ticker{}, false, fmt.Errorf("invalid ticker time %q %q", msg.Content.Date, msg.Content.Time)
	}
	return Ticker{Symbol: msg.Content.Symbol, Price: price, Time: at.UTC()}, true, nil
}

// Follow runs the stream until ctx ends, redialing with exponential backoff
// after connection failures. An error returned by handle stops it.
func (s *TickerStream) Follow(ctx context.Context, handle func(Ticker) error) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		started := time.Now()
		var handlerErr error
		err := s.Run(ctx, func(t Ticker) error {
			if err := handle(t); err != nil {
				handlerErr = err
				return err
			}
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if handlerErr != nil {
			return handlerErr
		}
		if time.Since(started) > maxBackoff {
			backoff = time.Second
		}
		s.Log.WithFields(logrus.Fields{"err": err, "retry_in": backoff.String()}).Warn("ticker_stream_reconnect")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
