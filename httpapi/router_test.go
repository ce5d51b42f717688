package httpapi_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/pacsd/pacsd/core"
	"github.com/pacsd/pacsd/httpapi"
)

func newTestServer(t *testing.T, extraJSON string) *core.Server {
	t.Helper()
	root := t.TempDir()
	storage := filepath.Join(root, "storage")
	indexDir := filepath.Join(root, "index")
	if err := os.MkdirAll(storage, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	cfgPath := filepath.Join(root, "config.json")
	body := fmt.Sprintf(`{"StorageDirectory": %q, "IndexDirectory": %q%s}`, storage, indexDir, extraJSON)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	srv, err := core.NewServer(cfgPath, false)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newRequestCtx(method, uri string, body []byte) *fasthttp.RequestCtx {
	var rc fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		req.SetBody(body)
	}
	req.Header.SetHost("localhost")
	rc.Init(&req, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	return &rc
}

func TestRouterSystemAndStatistics(t *testing.T) {
	srv := newTestServer(t, "")
	r := httpapi.NewRouter(srv)

	rc := newRequestCtx(fasthttp.MethodGet, "/system", nil)
	r.Handler(rc)
	if rc.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("GET /system: status %d, body %s", rc.Response.StatusCode(), rc.Response.Body())
	}

	rc2 := newRequestCtx(fasthttp.MethodGet, "/statistics", nil)
	r.Handler(rc2)
	if rc2.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("GET /statistics: status %d, body %s", rc2.Response.StatusCode(), rc2.Response.Body())
	}
}

func TestRouterStoreInstanceThenRejectUnknownID(t *testing.T) {
	srv := newTestServer(t, "")
	r := httpapi.NewRouter(srv)

	body := []byte(`{"PatientID":"PAT1","StudyInstanceUID":"1.2.study","SeriesInstanceUID":"1.2.series","SOPInstanceUID":"1.2.sop"}`)
	rc := newRequestCtx(fasthttp.MethodPost, "/instances", body)
	r.Handler(rc)
	if rc.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("POST /instances: status %d, body %s", rc.Response.StatusCode(), rc.Response.Body())
	}

	rcUnknown := newRequestCtx(fasthttp.MethodGet, "/instances/does-not-exist", nil)
	r.Handler(rcUnknown)
	if rcUnknown.Response.StatusCode() == fasthttp.StatusOK {
		t.Errorf("expected a non-200 for an unknown instance ID")
	}
}

func TestRouterUnknownRouteReturnsInexistentItem(t *testing.T) {
	srv := newTestServer(t, "")
	r := httpapi.NewRouter(srv)

	rc := newRequestCtx(fasthttp.MethodGet, "/nonsense", nil)
	r.Handler(rc)
	if rc.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected InexistentItem's 404 for an unrecognized route, got %d", rc.Response.StatusCode())
	}
}

func TestRouterRejectsUnauthenticatedWhenEnabled(t *testing.T) {
	srv := newTestServer(t, `,"AuthenticationEnabled":true,"RegisteredUsers":{"alice":"secret"}`)
	r := httpapi.NewRouter(srv)

	rc := newRequestCtx(fasthttp.MethodGet, "/statistics", nil)
	r.Handler(rc)
	if rc.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rc.Response.StatusCode())
	}
}
