package models

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"
)

// DeviceID is the 12-byte device identifier presented during handshake.
type DeviceID [12]byte

// String returns hex string representation
func (d DeviceID) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDeviceID parses a 24-hex-digit device id.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid device id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid device id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MarshalJSON implements json.Marshaler
func (d DeviceID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DeviceID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid device id format")
	}
	id, err := ParseDeviceID(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// Value implements driver.Valuer
func (d DeviceID) Value() (driver.Value, error) {
	return d[:], nil
}

// Scan implements sql.Scanner
func (d *DeviceID) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) != len(d) {
			return fmt.Errorf("invalid device id length %d", len(v))
		}
		copy(d[:], v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into DeviceID", value)
	}
}

// DeviceAttributes is the persisted record for one device, refreshed on
// Ready and by system events.
type DeviceAttributes struct {
	DeviceID        DeviceID  `json:"deviceId" db:"device_id"`
	Name            string    `json:"name" db:"name"`
	ProductID       uint16    `json:"productId" db:"product_id"`
	FirmwareVersion uint16    `json:"firmwareVersion" db:"firmware_version"`
	PlatformID      uint16    `json:"platformId" db:"platform_id"`
	AppHash         string    `json:"appHash" db:"app_hash"`
	IPAddress       string    `json:"ipAddress" db:"ip_address"`
	LastReset       string    `json:"lastReset" db:"last_reset"`
	LastHeard       time.Time `json:"lastHeard" db:"last_heard"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// DeviceKey is a device's stored public key.
type DeviceKey struct {
	DeviceID  DeviceID  `json:"deviceId" db:"device_id"`
	PublicKey []byte    `json:"publicKey" db:"public_key"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ClaimCode records a claim code announced by a device.
type ClaimCode struct {
	DeviceID  DeviceID  `json:"deviceId" db:"device_id"`
	Code      string    `json:"code" db:"code"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
