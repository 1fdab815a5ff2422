// Package broker is the cross-process event fabric: device events published
// by one session fan out over NATS to subscribers on any broker instance,
// and the cluster routing sidechannel announces which instance owns which
// device.
package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/models"
)

const (
	eventSubjectRoot = "events.device"
	routingSubject   = "cluster.routing"
)

// eventSubject maps an event name onto its NATS subject: one token per
// name segment under events.device, so NATS does the routing.
func eventSubject(name string) string {
	return eventSubjectRoot + "." + sanitizeSubject(name)
}

// sanitizeSubject turns an event name into valid subject tokens: path
// separators become token separators, characters NATS reserves are
// replaced.
func sanitizeSubject(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/':
			b.WriteByte('.')
		case '.', '*', '>', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NATSBus implements the session event-bus contract over a NATS connection.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus wraps an established NATS connection.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

// Publish fans a device event out on its name-derived subject.
func (b *NATSBus) Publish(event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(eventSubject(event.Name), data)
}

// Subscribe delivers events named name, or lying below it in '/' segments,
// to cb. The name maps onto NATS subjects (the exact subject plus its
// subtree) so routing happens in the broker, not here; an event whose name
// only shares a partial leading segment ("weatherstation" for "weather") is
// not delivered. The name check below drops events whose sanitized subject
// collides with the subscription but whose name does not start with name. A non-nil
// deviceID narrows delivery to events published by that device.
// subscriberID tags the subscription for logs. The returned function
// detaches it.
func (b *NATSBus) Subscribe(name string, deviceID *models.DeviceID, subscriberID string, cb func(*models.Event)) (func(), error) {
	handler := func(msg *nats.Msg) {
		var event models.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error().Err(err).Str("subscriber", subscriberID).Msg("unmarshal bus event")
			return
		}
		if !strings.HasPrefix(event.Name, name) {
			return
		}
		if deviceID != nil && event.DeviceID != *deviceID {
			return
		}
		cb(&event)
	}

	var subjects []string
	if name == "" {
		subjects = []string{eventSubjectRoot + ".>"}
	} else {
		subjects = []string{eventSubject(name), eventSubject(name) + ".>"}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %q: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	log.Debug().
		Str("subscriber", subscriberID).
		Str("prefix", name).
		Int("subjects", len(subs)).
		Msg("bus subscription added")

	return func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Str("subscriber", subscriberID).Msg("unsubscribe")
			}
		}
	}, nil
}

// routeAnnouncement is the cluster routing record emitted on session Ready.
type routeAnnouncement struct {
	DeviceID models.DeviceID `json:"deviceId"`
	ServerID string          `json:"serverId"`
}

// AnnounceRoute tells the routing registry which instance owns a device.
// Fire-and-forget: failures are logged and never block Ready.
func (b *NATSBus) AnnounceRoute(deviceID models.DeviceID, serverID string) {
	data, err := json.Marshal(routeAnnouncement{DeviceID: deviceID, ServerID: serverID})
	if err != nil {
		return
	}
	if err := b.nc.Publish(routingSubject, data); err != nil {
		log.Debug().Err(err).Str("device", deviceID.String()).Msg("route announcement failed")
	}
}
