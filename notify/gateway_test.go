package notify_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conecta-bridge/notify"
)

type memorySink struct {
	mu    sync.Mutex
	fired []notify.Notification
}

func (s *memorySink) Deliver(n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired = append(s.fired, n)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

func (s *memorySink) first() notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[0]
}

func TestOneShotFires(t *testing.T) {
	sink := &memorySink{}
	gw := notify.NewGateway(sink)
	defer gw.Close()

	id, err := gw.ScheduleOneShot(notify.Request{Title: "t", Body: "b", Level: notify.LevelNormal}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	n := sink.first()
	assert.Equal(t, "t", n.Title)
	assert.Equal(t, "b", n.Body)
	assert.Empty(t, n.Channel)
}

func TestAlertUsesHighImportanceChannel(t *testing.T) {
	sink := &memorySink{}
	gw := notify.NewGateway(sink)
	defer gw.Close()

	_, err := gw.ScheduleOneShot(notify.Request{Title: "t", Body: "b", Level: notify.LevelAlert}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.AlertChannel, sink.first().Channel)
}

func TestCancelStopsOneShot(t *testing.T) {
	sink := &memorySink{}
	gw := notify.NewGateway(sink)
	defer gw.Close()

	id, err := gw.ScheduleOneShot(notify.Request{Title: "t"}, 200*time.Millisecond)
	require.NoError(t, err)

	gw.Cancel(id)
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	gw := notify.NewGateway(&memorySink{})
	defer gw.Close()

	gw.Cancel("nope")
	gw.Cancel("nope")
}

func TestScheduleOneShotRejectsNegativeDelay(t *testing.T) {
	gw := notify.NewGateway(&memorySink{})
	defer gw.Close()

	_, err := gw.ScheduleOneShot(notify.Request{Title: "t"}, -time.Second)
	require.ErrorIs(t, err, notify.ErrNegativeDelay)
}

func TestScheduleDailyValidatesRanges(t *testing.T) {
	gw := notify.NewGateway(&memorySink{})
	defer gw.Close()

	cases := []struct{ hour, minute int }{
		{24, 0}, {-1, 0}, {0, 60}, {0, -1},
	}
	for _, tc := range cases {
		_, err := gw.ScheduleDaily(notify.Request{Title: "t"}, tc.hour, tc.minute)
		assert.ErrorIs(t, err, notify.ErrInvalidTime, "hour=%d minute=%d", tc.hour, tc.minute)
	}
}

func TestScheduleDailyRecurs(t *testing.T) {
	sink := &memorySink{}
	// Freeze the clock just before a minute boundary so each cycle computes
	// a 100ms delay.
	now := time.Date(2024, 3, 1, 10, 30, 59, int(900*time.Millisecond), time.UTC)
	gw := notify.NewGateway(sink, notify.WithClock(func() time.Time { return now }))
	defer gw.Close()

	id, err := gw.ScheduleDaily(notify.Request{Title: "d", Body: "b"}, 10, 31)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
	gw.Cancel(id)
}

func TestPermissionDeniedFallsBackToAlerter(t *testing.T) {
	var mu sync.Mutex
	var alerts [][2]string

	gw := notify.NewGateway(&memorySink{},
		notify.WithPermissionProbe(func() bool { return false }),
		notify.WithAlerter(func(title, body string) {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, [2]string{title, body})
		}),
	)
	defer gw.Close()

	assert.False(t, gw.RequestPermission())

	_, err := gw.ScheduleOneShot(notify.Request{Title: "t", Body: "b"}, 0)
	require.ErrorIs(t, err, notify.ErrPermissionDenied)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, [2]string{"t", "b"}, alerts[0])
}

func TestNextOccurrence(t *testing.T) {
	base := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		hour, minute int
		want         time.Time
	}{
		{"already passed rolls to tomorrow", 17, 0, time.Date(2024, 3, 2, 17, 0, 0, 0, time.UTC)},
		{"still ahead fires today", 23, 30, time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)},
		{"exactly now rolls to tomorrow", 18, 0, time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := notify.NextOccurrence(base, tc.hour, tc.minute)
			assert.Equal(t, tc.want, got)
			assert.True(t, got.After(base))
		})
	}
}
