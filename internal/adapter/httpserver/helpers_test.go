package httpserver

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tcprelay/internal/metrics"
)

type fakeRegistry struct {
	ids    []uint32
	lastID uint32
}

func (r *fakeRegistry) IDs() []uint32  { return r.ids }
func (r *fakeRegistry) LastID() uint32 { return r.lastID }

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func newTestServer(t *testing.T, registry connectionRegistry, clock clockwork.Clock, checks ...HealthCheck) *Server {
	t.Helper()
	reg := metrics.NewRegistry()
	return NewServer("127.0.0.1:0", registry, reg, metrics.NewHTTPMetrics(reg), clock, checks)
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "1.2.3.4:1234"
	srv.echo.ServeHTTP(rec, req)
	return rec
}

