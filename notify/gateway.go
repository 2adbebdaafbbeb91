// Package notify schedules local notifications: one-shot after a delay, or
// daily at a wall-clock hour and minute. Scheduling is gated on a permission
// probe; when permission is denied, the in-app alerter fires instead so the
// notification is never silently dropped.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level is the notification importance class.
type Level string

const (
	LevelNormal Level = "normal"
	LevelAlert  Level = "alert"
)

// AlertChannel is the high-importance notification channel alert-class
// notifications are posted on.
const AlertChannel = "mqtt-alerts"

var (
	ErrPermissionDenied = errors.New("notify: permission not granted")
	ErrInvalidTime      = errors.New("notify: hour must be in [0,23] and minute in [0,59]")
	ErrNegativeDelay    = errors.New("notify: delay must not be negative")
)

// Request describes the notification to display.
type Request struct {
	Title string
	Body  string
	Level Level
}

// Notification is a fired notification as handed to the sink.
type Notification struct {
	ID      string
	Title   string
	Body    string
	Level   Level
	Channel string
	FiredAt time.Time
}

// Sink receives fired notifications.
type Sink interface {
	Deliver(n Notification) error
}

// Alerter is the in-app fallback used when notification permission is denied.
type Alerter func(title, body string)

// LogSink writes fired notifications to the log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(n Notification) error {
	evt := s.Log.Info()
	if n.Level == LevelAlert {
		evt = s.Log.Warn()
	}
	evt.Str("title", n.Title).Str("body", n.Body).Str("channel", n.Channel).Msg("notification")
	return nil
}

// Gateway schedules and cancels local notifications.
type Gateway struct {
	sink  Sink
	alert Alerter
	probe func() bool
	clock func() time.Time
	log   zerolog.Logger

	mu       sync.Mutex
	asked    bool
	granted  bool
	oneShots map[string]*time.Timer
	dailies  map[string]chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAlerter sets the in-app fallback for denied permission.
func WithAlerter(a Alerter) Option {
	return func(g *Gateway) { g.alert = a }
}

// WithPermissionProbe sets the function consulted on the first permission
// request. The default grants.
func WithPermissionProbe(probe func() bool) Option {
	return func(g *Gateway) { g.probe = probe }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithLogger sets the gateway logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

func NewGateway(sink Sink, opts ...Option) *Gateway {
	g := &Gateway{
		sink:     sink,
		probe:    func() bool { return true },
		clock:    time.Now,
		log:      zerolog.Nop(),
		oneShots: make(map[string]*time.Timer),
		dailies:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestPermission probes for notification permission once and caches the
// answer. Must succeed before any schedule attempt takes effect.
func (g *Gateway) RequestPermission() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.asked {
		g.asked = true
		g.granted = g.probe()
		if !g.granted {
			g.log.Warn().Msg("notification permission denied, falling back to in-app alerts")
		}
	}
	return g.granted
}

// ScheduleOneShot fires the notification once after delay. Returns the
// schedule id used for cancellation.
func (g *Gateway) ScheduleOneShot(req Request, delay time.Duration) (string, error) {
	if delay < 0 {
		return "", ErrNegativeDelay
	}
	if !g.RequestPermission() {
		g.fallback(req)
		return "", ErrPermissionDenied
	}

	id := uuid.NewString()
	g.mu.Lock()
	g.oneShots[id] = time.AfterFunc(delay, func() { g.fire(id, req) })
	g.mu.Unlock()
	return id, nil
}

// ScheduleDaily fires the notification every day at hour:minute local time
// until canceled.
func (g *Gateway) ScheduleDaily(req Request, hour, minute int) (string, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", ErrInvalidTime
	}
	if !g.RequestPermission() {
		g.fallback(req)
		return "", ErrPermissionDenied
	}

	id := uuid.NewString()
	stop := make(chan struct{})
	g.mu.Lock()
	g.dailies[id] = stop
	g.mu.Unlock()

	go g.dailyLoop(id, req, hour, minute, stop)
	return id, nil
}

// Cancel retires a schedule. Idempotent: unknown and already-fired ids are
// not errors.
func (g *Gateway) Cancel(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.oneShots[id]; ok {
		t.Stop()
		delete(g.oneShots, id)
		return
	}
	if stop, ok := g.dailies[id]; ok {
		close(stop)
		delete(g.dailies, id)
	}
}

// Close cancels every outstanding schedule.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.oneShots {
		t.Stop()
		delete(g.oneShots, id)
	}
	for id, stop := range g.dailies {
		close(stop)
		delete(g.dailies, id)
	}
}

func (g *Gateway) dailyLoop(id string, req Request, hour, minute int, stop chan struct{}) {
	for {
		now := g.clock()
		t := time.NewTimer(NextOccurrence(now, hour, minute).Sub(now))
		select {
		case <-t.C:
			g.deliver(id, req)
		case <-stop:
			t.Stop()
			return
		}
	}
}

// fire completes a one-shot schedule.
func (g *Gateway) fire(id string, req Request) {
	g.mu.Lock()
	delete(g.oneShots, id)
	g.mu.Unlock()
	g.deliver(id, req)
}

func (g *Gateway) deliver(id string, req Request) {
	n := Notification{
		ID:      id,
		Title:   req.Title,
		Body:    req.Body,
		Level:   req.Level,
		FiredAt: g.clock(),
	}
	if req.Level == LevelAlert {
		n.Channel = AlertChannel
	}
	// Timer callback: failures are logged and swallowed, there is no caller
	// left to surface them to.
	if err := g.sink.Deliver(n); err != nil {
		g.log.Error().Str("title", req.Title).Err(err).Msg("notification delivery failed")
	}
}

func (g *Gateway) fallback(req Request) {
	if g.alert != nil {
		g.alert(req.Title, req.Body)
	}
}

// NextOccurrence returns the next time hour:minute comes around: today if
// still ahead, otherwise tomorrow. A target equal to now rolls forward a day.
func NextOccurrence(now time.Time, hour, minute int) time.Time {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}
