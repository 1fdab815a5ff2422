package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Ario-Inc/spark-protocol/internal/models"
)

// ========== Device Key Methods ==========

// GetDeviceKey gets a device's public key by device id
func (s *PostgresStore) GetDeviceKey(ctx context.Context, id models.DeviceID) (*models.DeviceKey, error) {
	query := `
        SELECT device_id, public_key, created_at
        FROM device_keys
        WHERE device_id = $1`

	key := &models.DeviceKey{}
	var idBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, id[:]).Scan(
		&idBytes, &key.PublicKey, &key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(key.DeviceID[:], idBytes)
	return key, nil
}

// SetDeviceKey stores a device's public key (first claim keeps the key)
func (s *PostgresStore) SetDeviceKey(ctx context.Context, key *models.DeviceKey) error {
	key.CreatedAt = time.Now()

	query := `
        INSERT INTO device_keys (device_id, public_key, created_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (device_id) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query, key.DeviceID[:], key.PublicKey, key.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}

// ========== Server Key Methods ==========

// GetServerKey loads the server's PEM private key
func (s *PostgresStore) GetServerKey(ctx context.Context) ([]byte, error) {
	query := `SELECT pem_key FROM server_keys ORDER BY created_at DESC LIMIT 1`

	var pemKey []byte
	err := s.getDB().QueryRowContext(ctx, query).Scan(&pemKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pemKey, nil
}

// SetServerKey stores the server's PEM private key
func (s *PostgresStore) SetServerKey(ctx context.Context, pemKey []byte) error {
	query := `INSERT INTO server_keys (pem_key, created_at) VALUES ($1, $2)`
	_, err := s.getDB().ExecContext(ctx, query, pemKey, time.Now())
	return err
}

// ========== Device Attribute Methods ==========

// GetDeviceAttributes gets device attributes by device id
func (s *PostgresStore) GetDeviceAttributes(ctx context.Context, id models.DeviceID) (*models.DeviceAttributes, error) {
	query := `
        SELECT device_id, name, product_id, firmware_version, platform_id,
               app_hash, ip_address, last_reset, last_heard, created_at, updated_at
        FROM device_attributes
        WHERE device_id = $1`

	attrs := &models.DeviceAttributes{}
	var idBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, id[:]).Scan(
		&idBytes, &attrs.Name, &attrs.ProductID, &attrs.FirmwareVersion,
		&attrs.PlatformID, &attrs.AppHash, &attrs.IPAddress, &attrs.LastReset,
		&attrs.LastHeard, &attrs.CreatedAt, &attrs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(attrs.DeviceID[:], idBytes)
	return attrs, nil
}

// SaveDeviceAttributes upserts device attributes
func (s *PostgresStore) SaveDeviceAttributes(ctx context.Context, attrs *models.DeviceAttributes) error {
	now := time.Now()
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = now
	}
	attrs.UpdatedAt = now

	query := `
        INSERT INTO device_attributes (
            device_id, name, product_id, firmware_version, platform_id,
            app_hash, ip_address, last_reset, last_heard, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )
        ON CONFLICT (device_id) DO UPDATE SET
            name = EXCLUDED.name,
            product_id = EXCLUDED.product_id,
            firmware_version = EXCLUDED.firmware_version,
            platform_id = EXCLUDED.platform_id,
            app_hash = EXCLUDED.app_hash,
            ip_address = EXCLUDED.ip_address,
            last_reset = EXCLUDED.last_reset,
            last_heard = EXCLUDED.last_heard,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		attrs.DeviceID[:], attrs.Name, attrs.ProductID, attrs.FirmwareVersion,
		attrs.PlatformID, attrs.AppHash, attrs.IPAddress, attrs.LastReset,
		attrs.LastHeard, attrs.CreatedAt, attrs.UpdatedAt,
	)
	return err
}

// ListDeviceAttributes lists device attributes with pagination
func (s *PostgresStore) ListDeviceAttributes(ctx context.Context, limit, offset int) ([]*models.DeviceAttributes, int64, error) {
	var total int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM device_attributes`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
        SELECT device_id, name, product_id, firmware_version, platform_id,
               app_hash, ip_address, last_reset, last_heard, created_at, updated_at
        FROM device_attributes
        ORDER BY last_heard DESC
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*models.DeviceAttributes
	for rows.Next() {
		attrs := &models.DeviceAttributes{}
		var idBytes []byte
		if err := rows.Scan(
			&idBytes, &attrs.Name, &attrs.ProductID, &attrs.FirmwareVersion,
			&attrs.PlatformID, &attrs.AppHash, &attrs.IPAddress, &attrs.LastReset,
			&attrs.LastHeard, &attrs.CreatedAt, &attrs.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		copy(attrs.DeviceID[:], idBytes)
		result = append(result, attrs)
	}

	return result, total, rows.Err()
}

// ========== Claim Code Methods ==========

// SaveClaimCode records a claim code announced by a device
func (s *PostgresStore) SaveClaimCode(ctx context.Context, code *models.ClaimCode) error {
	code.CreatedAt = time.Now()

	query := `
        INSERT INTO claim_codes (device_id, code, created_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (device_id) DO UPDATE SET
            code = EXCLUDED.code,
            created_at = EXCLUDED.created_at`

	_, err := s.getDB().ExecContext(ctx, query, code.DeviceID[:], code.Code, code.CreatedAt)
	return err
}
