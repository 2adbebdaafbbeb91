// Package router turns inbound confirmation and alert events into local
// notifications. Topics outside its dispatch table are ignored.
package router

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"conecta-bridge/channel"
	"conecta-bridge/notify"
)

// Notification titles, matching the mobile app.
const (
	ConfirmationTitle = "✅ Confirmación Recibida"
	AlertTitle        = "🚨 ¡Alerta!"
)

// deliveryDelay matches the app's 1-second trigger on inbound notifications.
const deliveryDelay = time.Second

// Gateway is the slice of the notification gateway the router needs.
type Gateway interface {
	ScheduleOneShot(req notify.Request, delay time.Duration) (string, error)
}

// Route maps a topic to the notification it raises.
type Route struct {
	Title string
	Level notify.Level
}

type Router struct {
	routes map[string]Route
	gw     Gateway
	log    zerolog.Logger
}

// New builds a router with the two standard routes: confirmations raise a
// normal notification, alerts raise a high-priority one.
func New(gw Gateway, confirmationTopic, alertTopic string, log zerolog.Logger) *Router {
	return &Router{
		routes: map[string]Route{
			confirmationTopic: {Title: ConfirmationTitle, Level: notify.LevelNormal},
			alertTopic:        {Title: AlertTitle, Level: notify.LevelAlert},
		},
		gw:  gw,
		log: log,
	}
}

// Topics lists the routed topics, sorted.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Attach subscribes the routed topics on conn and registers Handle for
// inbound events. The connection re-sends the subscription set after every
// reconnect, so attaching once covers the connection's lifetime. Cancel the
// returned subscription on teardown.
func (r *Router) Attach(conn *channel.Conn) (*channel.Subscription, error) {
	if err := conn.Subscribe(r.Topics()...); err != nil {
		return nil, err
	}
	return conn.OnEvent(r.Handle), nil
}

// Handle routes one inbound event. Unknown topics are ignored; scheduling
// failures are logged and swallowed since this runs from a transport
// callback with no caller to answer to.
func (r *Router) Handle(topic, payload string) {
	route, ok := r.routes[topic]
	if !ok {
		return
	}
	r.log.Info().Str("topic", topic).Msg("inbound event")

	req := notify.Request{Title: route.Title, Body: payload, Level: route.Level}
	if _, err := r.gw.ScheduleOneShot(req, deliveryDelay); err != nil {
		r.log.Warn().Str("topic", topic).Err(err).Msg("notification not scheduled")
	}
}
