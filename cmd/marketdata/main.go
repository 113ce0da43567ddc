package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/backtest"
	"bithumb-gridbot/internal/exchange/bithumb"
)

const defaultOutDir = "data/bithumb"

// dateWriter appends lines to <root>/<date>.jsonl, switching files when the
// UTC date changes.
type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.close(); err != nil {
		return err
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) sync() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	return w.currentFile.Sync()
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

// recorder turns tickers into backtest feed lines, dropping repeats of the
// same price within one second.
type recorder struct {
	writer *dateWriter
	last   backtest.Tick
	total  int
}

func (r *recorder) record(t bithumb.Ticker) error {
	tick := backtest.Tick{Time: t.Time.UTC(), Price: t.Price}
	if tick.Price == r.last.Price && tick.Time.Sub(r.last.Time) < time.Second {
		return nil
	}
	line, err := backtest.EncodeLine(tick)
	if err != nil {
		return err
	}
	if err := r.writer.write(tick.Time.Format("2006-01-02"), line); err != nil {
		return err
	}
	r.last = tick
	r.total++
	return nil
}

func main() {
	var (
		wsURL      string
		order      string
		payment    string
		outDir     string
		syncEvery  time.Duration
		logVerbose bool
	)
	flag.StringVar(&wsURL, "ws-url", bithumb.DefaultWSURL, "public websocket url")
	flag.StringVar(&order, "order", "BTC", "order currency, e.g. BTC")
	flag.StringVar(&payment, "payment", "KRW", "payment currency")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.DurationVar(&syncEvery, "sync-every", 30*time.Second, "how often to fsync the current file")
	flag.BoolVar(&logVerbose, "v", false, "debug logging")
	flag.Parse()

	order = strings.ToUpper(strings.TrimSpace(order))
	payment = strings.ToUpper(strings.TrimSpace(payment))
	if order == "" || payment == "" || strings.TrimSpace(wsURL) == "" {
		fatal("ws-url/order/payment are required")
	}
	if logVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "marketdata")

	targetDir := filepath.Join(outDir, order+"_"+payment)
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := &recorder{writer: writer}
	stream := bithumb.NewTickerStream(wsURL, order, payment)
	stream.Log = log
	lastSync := time.Now()

	log.WithFields(logrus.Fields{"symbol": stream.Symbol, "out": targetDir}).Info("recording_started")
	err = stream.Follow(ctx, func(t bithumb.Ticker) error {
		if err := rec.record(t); err != nil {
			return err
		}
		if time.Since(lastSync) >= syncEvery {
			lastSync = time.Now()
			if err := writer.sync(); err != nil {
				log.WithField("err", err).Warn("recording_sync_failed")
			}
			log.WithFields(logrus.Fields{"records": rec.total, "last_price": t.Price}).Info("recording_progress")
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
	log.WithField("records", rec.total).Info("recording_finished")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
