package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/domainapi"
	"github.com/gaiahub/nodehub/nodeapi"
	"github.com/gaiahub/nodehub/observability"
	"github.com/gaiahub/nodehub/queryapi"
	"github.com/gaiahub/nodehub/redisclient"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
	"github.com/gaiahub/nodehub/tunnel"
)

func testSetup(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc, err := redisclient.New(&config.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	rs := routerstore.New(rc)

	cfg := &config.Config{
		Host:             "0.0.0.0",
		Port:             "0",
		Env:              "test",
		RateLimitEnabled: false,
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	ss := store.New(db)

	deps := Deps{
		Tunnel:  tunnel.NewProcessor(ss, rs, log),
		Node:    nodeapi.New(ss, cfg.LivingDuration, log),
		Domain:  domainapi.New(ss, rs, log),
		Query:   queryapi.New(ss, log),
		Metrics: observability.New(),
	}
	return NewRouter(cfg, log, deps), mock
}

func TestHealthCheckEndpoint(t *testing.T) {
	r, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/health-check", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Result().StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Result().StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	r, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/health-check", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"}
	for _, h := range headers {
		require.NotEmpty(t, rw.Header().Get(h), "expected security header %s to be set", h)
	}
}

func TestTunnelEventRouteAcceptsLogin(t *testing.T) {
	r, mock := testSetup(t)

	mock.ExpectExec("INSERT INTO devices").WillReturnResult(sqlmock.NewResult(1, 1))

	body := `{"op":"Login","content":{"metas":{"deviceId":"dev-1"},"os":"linux","arch":"amd64","version":"1.0.0","client_address":"1.2.3.4"}}`
	req := httptest.NewRequest(http.MethodPost, "/inner/frps", strings.NewReader(body))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Result().StatusCode)
}

func TestDomainNodesRouteRoundTrips(t *testing.T) {
	r, mock := testSetup(t)

	mock.ExpectQuery("SELECT domain, node_id, weight").
		WithArgs("chat").
		WillReturnRows(sqlmock.NewRows([]string{"domain", "node_id", "weight"}))

	req := httptest.NewRequest(http.MethodGet, "/domain_nodes?domain=chat", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Result().StatusCode)
}
