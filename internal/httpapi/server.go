package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/notify"
	"bithumb-gridbot/internal/store"
)

// StatusSource is implemented by engine.Runner.
type StatusSource interface {
	Status() store.RuntimeStatus
	OpenOrders() []core.TradeRecord
}

// ProgressSource is implemented by notify.ProgressTracker.
type ProgressSource interface {
	Latest() (notify.Progress, time.Time)
}

type Server struct {
	Status   StatusSource
	Progress ProgressSource
	Metrics  http.Handler
	// StaleAfter fails /healthz when no cycle has finished for this long.
	StaleAfter time.Duration
	Log        *logrus.Entry
	Now        func() time.Time
}

type orderView struct {
	ID       string    `json:"id"`
	Side     core.Side `json:"side"`
	Price    int64     `json:"price"`
	Units    string    `json:"units"`
	PlacedAt time.Time `json:"placed_at,omitempty"`
}

type progressView struct {
	SecondsRemaining int       `json:"seconds_remaining"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type statusView struct {
	store.RuntimeStatus
	Orders   []orderView   `json:"orders"`
	RateWait *progressView `json:"rate_limit_wait,omitempty"`
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.Status == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	st := s.Status.Status()
	if reason := s.unhealthy(st); reason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "state": st.State, "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": st.State})
}

func (s *Server) unhealthy(st store.RuntimeStatus) string {
	if st.State == "stopped" {
		return "stopped"
	}
	if s.StaleAfter <= 0 {
		return ""
	}
	last := st.StartedAt
	if st.LastCycleAt != nil {
		last = *st.LastCycleAt
	}
	if !last.IsZero() && s.now().Sub(last) > s.StaleAfter {
		return "no_recent_cycle"
	}
	return ""
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runner"})
		return
	}
	view := statusView{RuntimeStatus: s.Status.Status(), Orders: []orderView{}}
	for _, rec := range s.Status.OpenOrders() {
		view.Orders = append(view.Orders, orderView{
			ID:       rec.ID,
			Side:     rec.Side,
			Price:    rec.Price,
			Units:    rec.Units.String(),
			PlacedAt: rec.PlacedAt,
		})
	}
	if s.Progress != nil {
		if p, at := s.Progress.Latest(); !at.IsZero() {
			view.RateWait = &progressView{SecondsRemaining: p.SecondsRemaining, UpdatedAt: at}
		}
	}
	c.JSON(http.StatusOK, view)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if s.Log != nil {
		s.Log.WithField("addr", addr).Info("http_server_started")
	}
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
