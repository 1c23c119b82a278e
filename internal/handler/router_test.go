package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/prn-tf/bastion/internal/auth"
	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/crypto"
	"github.com/prn-tf/bastion/internal/repository/sqlite"
	"github.com/prn-tf/bastion/internal/service"
	"github.com/prn-tf/bastion/internal/session"
)

var steveUUID = uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")

type stubDirectory struct {
	mu  sync.Mutex
	err error
}

func (d *stubDirectory) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *stubDirectory) Lookup(_ context.Context, key string) (*directory.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if strings.EqualFold(key, "steve") || key == steveUUID.String() {
		return &directory.Profile{UUID: steveUUID, Username: "Steve", History: []domain.UsernameEntry{{Username: "Steve"}}}, nil
	}
	return nil, domain.NewDomainError(domain.ErrIdentityNotFound, "unknown to directory", key)
}

type APISuite struct {
	suite.Suite
	db        *sqlite.DB
	core      *service.Core
	directory *stubDirectory
	handler   http.Handler
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	ctx := context.Background()
	logger := zerolog.Nop()

	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(sqlite.MemoryPath), logger)
	s.Require().NoError(err)
	s.Require().NoError(db.Migrate(ctx))
	s.db = db

	cfg := &config.Config{
		Cache: config.CacheConfig{
			IdentityTTL:        2 * time.Minute,
			IdentityCapacity:   64,
			PunishmentTTL:      5 * time.Minute,
			PunishmentCapacity: 64,
		},
		Punishment: config.PunishmentConfig{WriteBackTimeout: 5 * time.Second},
	}
	m := metrics.New()
	s.directory = &stubDirectory{}
	s.core = service.NewCore(cfg, service.Dependencies{
		Repositories: db.Repositories(),
		Directory:    s.directory,
		Registry:     session.NewRegistry(session.LogEnforcer{Logger: logger}, m, logger),
		Metrics:      m,
		Logger:       logger,
	})

	s.handler = NewRouter(RouterConfig{
		Identities:  NewIdentityHandler(s.core.Resolver, s.core.Lifecycle, logger),
		Punishments: NewPunishmentHandler(s.core.Resolver, s.core.Lifecycle, logger),
		Sessions:    NewSessionHandler(s.core.Sessions, logger),
		Health:      map[string]HealthChecker{"database": db},
		Metrics:     m,
		Logger:      logger,
	}).Handler()
}

func (s *APISuite) TearDownTest() {
	s.core.Close()
	s.db.Close()
}

func (s *APISuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type joinBody struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message"`
}

type chatBody struct {
	Muted   bool   `json:"muted"`
	Message string `json:"message"`
}

type createdBody struct {
	Punishment struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"punishment"`
	Applied int `json:"applied"`
}

func (s *APISuite) join() joinBody {
	rec := s.do(http.MethodPost, "/v1/sessions", map[string]any{
		"uuid":     steveUUID.String(),
		"username": "Steve",
		"address":  "203.0.113.5",
	})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	return decode[joinBody](s.T(), rec)
}

func (s *APISuite) TestHealthAndMetrics() {
	rec := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"database":"healthy"`)

	s.do(http.MethodGet, "/v1/identities/Steve", nil)
	rec = s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "bastion_")
}

func (s *APISuite) TestResolveIdentity() {
	rec := s.do(http.MethodGet, "/v1/identities/Steve", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	body := decode[IdentityResponse](s.T(), rec)
	s.Equal("Steve", body.Identity.Name)
	s.Equal(steveUUID.String(), body.Identity.Key)
	s.Require().NotNil(body.History)
	s.Equal("Steve", body.History.Current())

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/v1/identities/ab", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/identities/Nobody", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/identities/198.51.100.7", nil).Code)
}

func (s *APISuite) TestDirectoryUnavailable() {
	s.directory.setErr(domain.NewDomainError(domain.ErrDirectoryUnavailable, "status 502", "Steve"))
	rec := s.do(http.MethodGet, "/v1/identities/Steve", nil)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Equal("directory_unavailable", decode[ErrorResponse](s.T(), rec).Error.Code)

	s.directory.setErr(nil)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/v1/identities/Steve", nil).Code)
}

func (s *APISuite) TestMuteAndLift() {
	s.True(s.join().Allowed)

	rec := s.do(http.MethodPost, "/v1/punishments", map[string]any{
		"type":     "mute",
		"target":   "Steve",
		"reason":   "spam",
		"duration": "1h",
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[createdBody](s.T(), rec)
	s.Equal("mute", created.Punishment.Type)
	s.Equal(1, created.Applied)

	chat := decode[chatBody](s.T(), s.do(http.MethodPost, "/v1/sessions/"+steveUUID.String()+"/chat", nil))
	s.True(chat.Muted)
	s.Contains(chat.Message, "spam")

	rec = s.do(http.MethodGet, "/v1/identities/Steve/active/mute", nil)
	s.Equal(http.StatusOK, rec.Code)

	id := created.Punishment.ID
	rec = s.do(http.MethodPost, "/v1/punishments/"+itoa(id)+"/lift", map[string]any{})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	chat = decode[chatBody](s.T(), s.do(http.MethodPost, "/v1/sessions/"+steveUUID.String()+"/chat", nil))
	s.False(chat.Muted)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/identities/Steve/active/mute", nil).Code)

	rec = s.do(http.MethodGet, "/v1/identities/Steve/punishments", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	history := decode[struct {
		Punishments []struct {
			Punishment struct {
				Lifted bool `json:"lifted"`
			} `json:"punishment"`
			Active bool `json:"active"`
		} `json:"punishments"`
	}](s.T(), rec)
	s.Require().Len(history.Punishments, 1)
	s.False(history.Punishments[0].Active)
	s.True(history.Punishments[0].Punishment.Lifted)
}

func (s *APISuite) TestAddressBan() {
	s.True(s.join().Allowed)

	rec := s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "ban", "target": "203.0.113.5"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal(1, decode[createdBody](s.T(), rec).Applied)

	// The ban disconnected the only session.
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/v1/sessions/"+steveUUID.String(), nil).Code)

	again := s.join()
	s.False(again.Allowed)
	s.Contains(again.Message, "banned")

	rec = s.do(http.MethodGet, "/v1/identities/203.0.113.5", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	body := decode[IdentityResponse](s.T(), rec)
	s.Equal("ipv4", body.Identity.Kind)
	s.Require().Len(body.Audience, 1)
	s.Equal("Steve", body.Audience[0].Username)
}

func (s *APISuite) TestValidationErrors() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "ban"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "jail", "target": "Steve"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "ban", "target": "Steve", "duration": "soon"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "ban", "target": "Steve", "duration": "500us"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "ban", "target": "Steve", "reason": strings.Repeat("x", 256)}).Code)

	rec := s.do(http.MethodPost, "/v1/punishments", map[string]any{"type": "warning", "target": "Steve"})
	s.Require().Equal(http.StatusCreated, rec.Code)
	warning := decode[createdBody](s.T(), rec)
	s.Equal(0, warning.Applied)

	rec = s.do(http.MethodPost, "/v1/punishments/"+itoa(warning.Punishment.ID)+"/lift", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("not_liftable", decode[ErrorResponse](s.T(), rec).Error.Code)

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/v1/punishments/999/lift", nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/punishments/abc/lift", nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodDelete, "/v1/sessions/not-a-uuid", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/v1/sessions/"+uuid.NewString()+"/chat", nil).Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestErrorFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.NewDomainError(domain.ErrMalformedIdentifier, "", "x"), http.StatusBadRequest},
		{domain.ErrIdentityNotFound, http.StatusNotFound},
		{domain.ErrPunishmentNotFound, http.StatusNotFound},
		{service.ErrSessionNotFound, http.StatusNotFound},
		{domain.ErrDirectoryUnavailable, http.StatusServiceUnavailable},
		{errors.Join(domain.ErrDurableStore, errors.New("disk I/O error")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, errorFor(tc.err).HTTPStatusCode, tc.err.Error())
	}
	assert.NotContains(t, errorFor(errors.Join(domain.ErrDurableStore, errors.New("secret dsn"))).Message, "secret")
}

func TestRouter_RequiresToken(t *testing.T) {
	token, err := crypto.GenerateToken()
	require.NoError(t, err)
	hash, err := crypto.HashToken(token)
	require.NoError(t, err)

	h := NewRouter(RouterConfig{
		Identities:     NewIdentityHandler(nil, nil, zerolog.Nop()),
		Punishments:    NewPunishmentHandler(nil, nil, zerolog.Nop()),
		Sessions:       NewSessionHandler(nil, zerolog.Nop()),
		AuthMiddleware: auth.Middleware(auth.DefaultConfig(hash)),
		Logger:         zerolog.Nop(),
	}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/identities/Steve", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Authenticated requests reach the handlers; a malformed key fails before any service call.
	req := httptest.NewRequest(http.MethodPost, "/v1/punishments", strings.NewReader(`{"type":"ban"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
