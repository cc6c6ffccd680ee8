// Package alert delivers operator notifications for events that need a
// human: kill-switch trips, stream circuit opening, snapshot failures.
// Delivery is asynchronous and lossy under pressure; trading never
// blocks on a slow notifier.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/redact"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the narrow surface the runner depends on. A nil *Manager
// satisfies it and discards everything.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize       = 128
	defaultDropReportEvery = time.Minute
	notifyTimeout          = 20 * time.Second
)

type Options struct {
	QueueSize       int
	DropReportEvery time.Duration
}

type Manager struct {
	instance string
	symbol   string
	notifier Notifier
	log      logrus.FieldLogger

	queue chan event
	stop  chan struct{}
	done  chan struct{}

	dropReportEvery time.Duration
	droppedTotal    uint64
	droppedWindow   uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(instance, symbol string, notifier Notifier, log logrus.FieldLogger) *Manager {
	return NewManagerWithOptions(instance, symbol, notifier, log, Options{})
}

func NewManagerWithOptions(instance, symbol string, notifier Notifier, log logrus.FieldLogger, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportEvery := opts.DropReportEvery
	if reportEvery < 0 {
		reportEvery = 0
	}
	m := &Manager{
		instance:        instance,
		symbol:          symbol,
		notifier:        notifier,
		log:             log,
		queue:           make(chan event, queueSize),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		dropReportEvery: reportEvery,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportEvery > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

// Important queues an alert without ever blocking the caller. When the
// queue is full the alert is counted as dropped; the first drop in a
// reporting window is logged immediately.
func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := newEvent(event, fields)
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		window := atomic.AddUint64(&m.droppedWindow, 1)
		m.mu.RUnlock()
		if window == 1 {
			m.log.WithFields(logrus.Fields{
				"event":         event,
				"dropped_total": total,
				"queue_len":     len(m.queue),
				"queue_cap":     cap(m.queue),
			}).Warn("alert queue full, alert dropped")
		}
	}
}

// Close stops accepting alerts, drains whatever is queued, and waits for
// delivery until ctx expires.
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
					m.reportDroppedWindow()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedWindow()
		case <-m.stop:
			m.reportDroppedWindow()
			return
		}
	}
}

func (m *Manager) reportDroppedWindow() {
	window := atomic.SwapUint64(&m.droppedWindow, 0)
	if window == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"dropped_in_window": window,
		"dropped_total":     atomic.LoadUint64(&m.droppedTotal),
		"queue_len":         len(m.queue),
		"queue_cap":         cap(m.queue),
	}).Warn("alerts dropped, queue saturated")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedWindow)
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithFields(logrus.Fields{"event": ev.name, "error": err.Error()}).Error("alert delivery failed")
	}
}

// buildMessage renders the alert as plain text. Field values whose names
// look sensitive are masked; the message leaves the process.
func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"nonkyc-bot alert",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"instance: " + m.instance,
		"symbol: " + m.symbol,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := ev.fields[k]
		if redact.SensitiveField(k) {
			v = redact.Placeholder
		}
		lines = append(lines, k+": "+v)
	}
	return strings.Join(lines, "\n")
}

func newEvent(name string, fields map[string]string) event {
	ev := event{name: name}
	if len(fields) > 0 {
		ev.fields = make(map[string]string, len(fields))
		for k, v := range fields {
			ev.fields[k] = v
		}
	}
	return ev
}
