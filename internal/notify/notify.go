package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	TitleBuy        = "buy occurred"
	TitleSell       = "sell occurred"
	TitleSellFailed = "sell failed"
	TitleBuySkipped = "buy skipped"
)

// Event is a user-facing notification about a fill or a failed action.
type Event struct {
	Time   time.Time
	Title  string
	Body   string
	Fields map[string]string
}

// Progress reports the countdown while an order mutation waits on the rate limit.
type Progress struct {
	SecondsRemaining int
}

type Sink interface {
	Notify(ev Event)
	Progress(p Progress)
}

// Multi fans every call out to each non-nil sink.
type Multi []Sink

func (m Multi) Notify(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ev)
		}
	}
}

func (m Multi) Progress(p Progress) {
	for _, s := range m {
		if s != nil {
			s.Progress(p)
		}
	}
}

// LogSink writes notifications at INFO and progress at DEBUG.
type LogSink struct {
	Log *logrus.Entry
}

func NewLogSink(log *logrus.Entry) LogSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return LogSink{Log: log}
}

func (s LogSink) Notify(ev Event) {
	fields := logrus.Fields{"title": ev.Title, "body": ev.Body}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	s.Log.WithFields(fields).Info("notification")
}

func (s LogSink) Progress(p Progress) {
	s.Log.WithField("seconds_remaining", p.SecondsRemaining).Debug("rate_limit_wait")
}

// ProgressTracker keeps the latest countdown for status reporting.
type ProgressTracker struct {
	mu      sync.Mutex
	latest  Progress
	updated time.Time
	now     func() time.Time
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{now: time.Now}
}

func (t *ProgressTracker) Notify(Event) {}

func (t *ProgressTracker) Progress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = p
	t.updated = t.now().UTC()
}

func (t *ProgressTracker) Latest() (Progress, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.updated
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	progress []Progress
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Progress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Title)
	}
	return out
}

func (r *Recorder) ProgressEvents() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.progress...)
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
