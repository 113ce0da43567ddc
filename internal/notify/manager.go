package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier delivers a rendered message to an external channel.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Log                *logrus.Entry
}

// Manager queues events and delivers them on a background goroutine so that
// the trading cycle never blocks on a slow notifier. Events are dropped when
// the queue is full.
type Manager struct {
	mode                 string
	pair                 string
	notifier             Notifier
	log                  *logrus.Entry
	queue                chan Event
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

func NewManager(mode, pair string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, pair, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, pair string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		mode:               mode,
		pair:               pair,
		notifier:           notifier,
		log:                log,
		queue:              make(chan Event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Notify(ev Event) {
	if m == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Fields = cloneFields(ev.Fields)
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		if droppedInWindow == 1 {
			m.log.WithFields(logrus.Fields{
				"title":         ev.Title,
				"reason":        "queue_full",
				"dropped_total": droppedTotal,
				"queue_cap":     cap(m.queue),
			}).Warn("notify_queue_dropped")
		}
	}
}

// Progress is not forwarded; countdowns are too chatty for external channels.
func (m *Manager) Progress(Progress) {}

// Important adapts key/value operational alerts into events.
func (m *Manager) Important(event string, fields map[string]string) {
	m.Notify(Event{Title: event, Fields: fields})
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"dropped_since_last": dropped,
		"dropped_total":      atomic.LoadUint64(&m.droppedTotal),
		"queue_len":          len(m.queue),
	}).Warn("notify_queue_dropped_report")
}

// Dropped returns the total and the not-yet-reported drop counts.
func (m *Manager) Dropped() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Send(ctx, m.render(ev)); err != nil {
		m.log.WithFields(logrus.Fields{"title": ev.Title, "err": err}).Error("notify_send_failed")
	}
}

func (m *Manager) render(ev Event) string {
	lines := []string{
		"[gridbot] " + ev.Title,
		"time: " + ev.Time.UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"pair: " + m.pair,
	}
	if ev.Body != "" {
		lines = append(lines, ev.Body)
	}
	for _, k := range sortedKeys(ev.Fields) {
		lines = append(lines, k+": "+ev.Fields[k])
	}
	return strings.Join(lines, "\n")
}
