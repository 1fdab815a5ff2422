package models

import (
	"time"
)

// Event is one cloud event: published by a device session for fan-out, or
// received from the bus and bridged down to a subscribed device.
type Event struct {
	Name        string    `json:"name"`
	DeviceID    DeviceID  `json:"deviceId"`
	Data        []byte    `json:"data,omitempty"`
	TTL         uint32    `json:"ttl"`
	PublishedAt time.Time `json:"publishedAt"`
	IsPublic    bool      `json:"isPublic"`
}
