// Package reminders persists scheduled reminders and fires them. A one-shot
// reminder arms a timer that publishes the text over the channel at the next
// occurrence of its hour:minute; a daily reminder registers a recurring
// schedule with the notification gateway. The persisted collection is the
// sole source of truth: an armed timer re-reads it before acting, so a
// deletion between arming and firing wins.
package reminders

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"conecta-bridge/models"
	"conecta-bridge/notify"
	"conecta-bridge/store"
)

// StorageKey holds the JSON array of reminders, same key the app used.
const StorageKey = "@my_reminders"

// DailyTitle heads the notification a daily reminder raises.
const DailyTitle = "🔔 Recordatorio"

var (
	ErrEmptyText   = errors.New("reminders: text is empty")
	ErrInvalidTime = errors.New("reminders: hour must be in [0,23] and minute in [0,59]")
	ErrNoGateway   = errors.New("reminders: no notification gateway configured")
)

// KV is the persistence surface, satisfied by *store.KV.
type KV interface {
	Get(key string, dest any) error
	Set(key string, value any) error
}

// Sender delivers a fired one-shot reminder, satisfied by
// *dispatch.Dispatcher. Send must fail when the channel is down; the fire
// path treats that as a silent skip.
type Sender interface {
	Send(text string) error
}

// Gateway is the slice of the notification gateway daily reminders need.
type Gateway interface {
	ScheduleDaily(req notify.Request, hour, minute int) (string, error)
	Cancel(id string)
}

type Store struct {
	kv      KV
	sender  Sender
	gateway Gateway
	clock   func() time.Time
	log     zerolog.Logger

	// mu serializes every read-modify-write of the persisted collection:
	// the single-writer guarantee against lost updates.
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithGateway enables daily reminders through the notification gateway.
func WithGateway(gw Gateway) Option {
	return func(s *Store) { s.gateway = gw }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func New(kv KV, sender Sender, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		sender: sender,
		clock:  time.Now,
		log:    zerolog.Nop(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, persists, and arms a one-shot reminder that publishes
// text over the channel at the next occurrence of hour:minute.
func (s *Store) Create(text string, hour, minute int) (models.Reminder, error) {
	r, err := newReminder(text, hour, minute)
	if err != nil {
		return models.Reminder{}, err
	}

	delay, err := s.NextFireDelay(hour, minute)
	if err != nil {
		return models.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(r); err != nil {
		return models.Reminder{}, err
	}
	id, body := r.ID, r.Text
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, body) })

	s.log.Info().Str("id", id).Str("time", r.Time).Dur("delay", delay).Msg("reminder scheduled")
	return r, nil
}

// CreateDaily validates, registers a recurring notification with the
// gateway, and persists the reminder with the gateway's schedule id. When
// permission is denied the reminder is still persisted so it can notify
// once permission is granted.
func (s *Store) CreateDaily(text string, hour, minute int) (models.Reminder, error) {
	if s.gateway == nil {
		return models.Reminder{}, ErrNoGateway
	}
	r, err := newReminder(text, hour, minute)
	if err != nil {
		return models.Reminder{}, err
	}
	r.Daily = true

	req := notify.Request{Title: DailyTitle, Body: text, Level: notify.LevelNormal}
	nid, err := s.gateway.ScheduleDaily(req, hour, minute)
	switch {
	case errors.Is(err, notify.ErrPermissionDenied):
		s.log.Warn().Str("id", r.ID).Msg("permission denied, reminder persisted without schedule")
	case err != nil:
		return models.Reminder{}, fmt.Errorf("reminders: schedule daily: %w", err)
	default:
		r.NotificationID = nid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(r); err != nil {
		if nid != "" {
			s.gateway.Cancel(nid)
		}
		return models.Reminder{}, err
	}

	s.log.Info().Str("id", r.ID).Str("time", r.Time).Msg("daily reminder scheduled")
	return r, nil
}

// List returns the collection sorted by hour*60+minute ascending. Entries
// with equal times keep their insertion order.
func (s *Store) List() ([]models.Reminder, error) {
	s.mu.Lock()
	list, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Hour*60+list[i].Minute < list[j].Hour*60+list[j].Minute
	})
	return list, nil
}

// Delete removes the reminder with the given id: at most one entry leaves
// the collection, its armed timer is retired, and a daily reminder's
// gateway schedule is canceled. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	list, err := s.loadLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	var removed *models.Reminder
	kept := make([]models.Reminder, 0, len(list))
	for _, r := range list {
		if r.ID == id && removed == nil {
			rr := r
			removed = &rr
			continue
		}
		kept = append(kept, r)
	}
	if removed == nil {
		s.mu.Unlock()
		return nil
	}

	if err := s.saveLocked(kept); err != nil {
		s.mu.Unlock()
		return err
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if removed.Daily && removed.NotificationID != "" && s.gateway != nil {
		s.gateway.Cancel(removed.NotificationID)
	}

	s.log.Info().Str("id", id).Msg("reminder deleted")
	return nil
}

// NextFireDelay resolves the time until the next occurrence of hour:minute:
// today if still ahead, otherwise tomorrow.
func (s *Store) NextFireDelay(hour, minute int) (time.Duration, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, ErrInvalidTime
	}
	now := s.clock()
	return notify.NextOccurrence(now, hour, minute).Sub(now), nil
}

// ArmAll re-arms persisted reminders after a restart: one-shot reminders get
// fresh timers for their next occurrence, daily reminders re-register with
// the gateway. Returns how many were armed.
func (s *Store) ArmAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked()
	if err != nil {
		return 0, err
	}

	armed := 0
	changed := false
	for i, r := range list {
		if r.Daily {
			if s.gateway == nil {
				continue
			}
			req := notify.Request{Title: DailyTitle, Body: r.Text, Level: notify.LevelNormal}
			nid, err := s.gateway.ScheduleDaily(req, r.Hour, r.Minute)
			if err != nil {
				s.log.Warn().Str("id", r.ID).Err(err).Msg("daily re-arm failed")
				continue
			}
			list[i].NotificationID = nid
			changed = true
			armed++
			continue
		}

		if _, ok := s.timers[r.ID]; ok {
			continue
		}
		now := s.clock()
		delay := notify.NextOccurrence(now, r.Hour, r.Minute).Sub(now)
		id, body := r.ID, r.Text
		s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, body) })
		armed++
	}

	if changed {
		if err := s.saveLocked(list); err != nil {
			return armed, err
		}
	}
	return armed, nil
}

// Close retires all armed timers. Persisted reminders are untouched.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// fire runs when a one-shot timer elapses. It re-reads the persisted
// collection and only publishes if the reminder still exists; the sender
// itself refuses when the channel is down. Every failure here is logged and
// swallowed, there is no caller left.
func (s *Store) fire(id, text string) {
	s.mu.Lock()
	delete(s.timers, id)
	list, err := s.loadLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Str("id", id).Err(err).Msg("fire: load failed")
		return
	}

	exists := false
	for _, r := range list {
		if r.ID == id {
			exists = true
			break
		}
	}
	if !exists {
		s.log.Debug().Str("id", id).Msg("fire: reminder deleted, skipping")
		return
	}

	if err := s.sender.Send(text); err != nil {
		s.log.Warn().Str("id", id).Err(err).Msg("fire: send skipped")
		return
	}
	s.log.Info().Str("id", id).Msg("reminder fired")
}

func newReminder(text string, hour, minute int) (models.Reminder, error) {
	if text == "" {
		return models.Reminder{}, ErrEmptyText
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return models.Reminder{}, ErrInvalidTime
	}
	return models.Reminder{
		ID:     uuid.NewString(),
		Text:   text,
		Time:   models.DisplayTime(hour, minute),
		Hour:   hour,
		Minute: minute,
	}, nil
}

func (s *Store) loadLocked() ([]models.Reminder, error) {
	var list []models.Reminder
	err := s.kv.Get(StorageKey, &list)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reminders: load: %w", err)
	}
	return list, nil
}

func (s *Store) saveLocked(list []models.Reminder) error {
	if err := s.kv.Set(StorageKey, list); err != nil {
		return fmt.Errorf("reminders: save: %w", err)
	}
	return nil
}

func (s *Store) appendLocked(r models.Reminder) error {
	list, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(append(list, r))
}
