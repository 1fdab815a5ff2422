package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ario-Inc/spark-protocol/internal/models"
)

func deviceID(tag byte) models.DeviceID {
	var id models.DeviceID
	id[0] = tag
	return id
}

func TestMemoryBusPrefixFilter(t *testing.T) {
	bus := NewMemoryBus()

	var got []*models.Event
	unsub, err := bus.Subscribe("weather", nil, "test", func(ev *models.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.Publish(&models.Event{Name: "weather/update", PublishedAt: time.Now()}))
	require.NoError(t, bus.Publish(&models.Event{Name: "door/open", PublishedAt: time.Now()}))

	require.Len(t, got, 1)
	assert.Equal(t, "weather/update", got[0].Name)
}

func TestMemoryBusDeviceFilter(t *testing.T) {
	bus := NewMemoryBus()
	want := deviceID(1)

	var got []*models.Event
	_, err := bus.Subscribe("", &want, "test", func(ev *models.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(&models.Event{Name: "a", DeviceID: deviceID(1)}))
	require.NoError(t, bus.Publish(&models.Event{Name: "b", DeviceID: deviceID(2)}))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "events.device.temperature", eventSubject("temperature"))
	assert.Equal(t, "events.device.weather.update", eventSubject("weather/update"))
	assert.Equal(t, "events.device.odd_name_", eventSubject("odd.name*"))
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()

	calls := 0
	unsub, err := bus.Subscribe("", nil, "test", func(*models.Event) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(&models.Event{Name: "x"}))
	unsub()
	require.NoError(t, bus.Publish(&models.Event{Name: "y"}))

	assert.Equal(t, 1, calls)
}
