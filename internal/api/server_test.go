package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/session"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
)

type fakeStore struct {
	users map[string]*models.User
}

func (s *fakeStore) GetDeviceKey(ctx context.Context, id models.DeviceID) (*models.DeviceKey, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) SetDeviceKey(ctx context.Context, key *models.DeviceKey) error { return nil }
func (s *fakeStore) GetServerKey(ctx context.Context) ([]byte, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) SetServerKey(ctx context.Context, pemKey []byte) error { return nil }
func (s *fakeStore) GetDeviceAttributes(ctx context.Context, id models.DeviceID) (*models.DeviceAttributes, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) SaveDeviceAttributes(ctx context.Context, attrs *models.DeviceAttributes) error {
	return nil
}
func (s *fakeStore) ListDeviceAttributes(ctx context.Context, limit, offset int) ([]*models.DeviceAttributes, int64, error) {
	return nil, 0, nil
}
func (s *fakeStore) SaveClaimCode(ctx context.Context, code *models.ClaimCode) error { return nil }
func (s *fakeStore) CreateUser(ctx context.Context, user *models.User) error         { return nil }
func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}
func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := s.users[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}
func (s *fakeStore) Close() error { return nil }

type fakeRegistry struct{}

func (fakeRegistry) Get(id models.DeviceID) (*session.Session, bool) { return nil, false }
func (fakeRegistry) List() []*session.Session                        { return nil }

type fakePublisher struct {
	events []*models.Event
}

func (p *fakePublisher) Publish(event *models.Event) error {
	p.events = append(p.events, event)
	return nil
}

func newTestServer(t *testing.T) (*RESTServer, *fakePublisher) {
	t.Helper()

	hash, err := crypto.HashPassword("hunter2hunter2")
	require.NoError(t, err)

	store := &fakeStore{users: map[string]*models.User{
		"ops@example.com": {
			ID:           uuid.New(),
			Email:        "ops@example.com",
			PasswordHash: hash,
			IsActive:     true,
		},
	}}

	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.AccessTokenTTL = time.Hour
	cfg.JWT.RefreshTokenTTL = 24 * time.Hour

	publisher := &fakePublisher{}
	return NewRESTServer(cfg, store, fakeRegistry{}, publisher), publisher
}

func doJSON(t *testing.T, s *RESTServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["accessToken"])
	return resp["accessToken"]
}

func TestLogin(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s)
}

func TestLoginBadPassword(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "wrongwrongwrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevicesRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListDevices(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/devices", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total   int64         `json:"total"`
		Devices []interface{} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
	assert.Empty(t, resp.Devices)
}

func TestVerbOnDisconnectedDevice(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, http.MethodGet,
		"/api/v1/devices/6162636465666768696a6b6c/variables/temp", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadDeviceID(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/devices/zzzz/variables/temp", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRaiseEvent(t *testing.T) {
	s, publisher := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/events", token, map[string]interface{}{
		"name":     "ops/broadcast",
		"data":     "reboot",
		"ttl":      30,
		"isPublic": false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "ops/broadcast", publisher.events[0].Name)
	assert.Equal(t, []byte("reboot"), publisher.events[0].Data)
	assert.Equal(t, uint32(30), publisher.events[0].TTL)
}

func TestRefreshToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refreshToken": resp["refreshToken"],
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
