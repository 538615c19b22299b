package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/cachehtml"
	"github.com/always-cache/cachehtml/cache"
	"github.com/always-cache/cachehtml/pkg/workqueue"

	"github.com/rs/zerolog"
)

const page = `<html><head><title>A</title></head><body><div data-non-cacheable="cart">2 items</div><p>Hello</p></body></html>`

func newTestRouter(t *testing.T) (*httptest.Server, *cachehtml.Server) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	}))
	t.Cleanup(origin.Close)
	originURL, _ := url.Parse(origin.URL)

	meterProvider, metrics, err := newMeterProvider("prometheus")
	if err != nil {
		t.Fatalf("meter provider: %v", err)
	}
	logger := zerolog.Nop()
	server, err := cachehtml.CreateServer(cachehtml.Config{
		Store:     cache.NewMemBackend(),
		OriginURL: *originURL,
		Logger:    &logger,
		Meter:     meterProvider.Meter("test"),
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	ts := httptest.NewServer(newRouter(server, metrics, logger))
	t.Cleanup(ts.Close)
	return ts, server
}

func do(t *testing.T, method, target string, body io.Reader) (*http.Response, string) {
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func TestRouterServesPages(t *testing.T) {
	ts, server := newTestRouter(t)

	res, body := do(t, http.MethodGet, ts.URL+"/page", nil)
	if res.StatusCode != http.StatusOK || body != page {
		t.Fatalf("miss: got %d %q", res.StatusCode, body)
	}
	if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "uri-miss") {
		t.Fatalf("miss: unexpected Cache-Status %q", cs)
	}
	server.WaitBackground()

	res, _ = do(t, http.MethodGet, ts.URL+"/page", nil)
	if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "hit") {
		t.Fatalf("hit: unexpected Cache-Status %q", cs)
	}
	server.WaitBackground()

	_, metrics := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	for _, name := range []string{"num_cache_html_misses", "num_cache_html_hits"} {
		if !strings.Contains(metrics, name) {
			t.Fatalf("metrics missing %s:\n%s", name, metrics)
		}
	}
}

func TestRouterPurge(t *testing.T) {
	ts, server := newTestRouter(t)

	do(t, http.MethodGet, ts.URL+"/page", nil)
	server.WaitBackground()

	res, _ := do(t, http.MethodDelete, ts.URL+"/.cachehtml/records?uri=/page", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("purge: got %d", res.StatusCode)
	}
	res, _ = do(t, http.MethodGet, ts.URL+"/page", nil)
	if cs := res.Header.Get("Cache-Status"); !strings.Contains(cs, "uri-miss") {
		t.Fatalf("after purge: unexpected Cache-Status %q", cs)
	}
	server.WaitBackground()

	res, _ = do(t, http.MethodDelete, ts.URL+"/.cachehtml/records", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("purge without uri: got %d", res.StatusCode)
	}
}

func TestRouterCriticalImages(t *testing.T) {
	ts, server := newTestRouter(t)

	res, _ := do(t, http.MethodPut, ts.URL+"/.cachehtml/critical-images?uri=/page", strings.NewReader("/a.png\n\n/b.png\n"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("critical images: got %d", res.StatusCode)
	}
	do(t, http.MethodGet, ts.URL+"/page", nil)
	server.WaitBackground()

	_, body := do(t, http.MethodGet, ts.URL+"/page", nil)
	server.WaitBackground()
	if !strings.Contains(body, `href="/a.png"`) || !strings.Contains(body, `href="/b.png"`) {
		t.Fatalf("critical images not hinted: %q", body)
	}
}

func TestRouterQueueMetrics(t *testing.T) {
	ts, _ := newTestRouter(t)

	res, body := do(t, http.MethodGet, ts.URL+"/.cachehtml/queue", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("got %d", res.StatusCode)
	}
	var m workqueue.Metrics
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if m.MaxConcurrent != 8 {
		t.Fatalf("expected default concurrency 8, got %d", m.MaxConcurrent)
	}
}

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cachehtml.yml")
	err := os.WriteFile(filename, []byte(`
origin: https://example.com
port: 9090
changeDetection: active
cacheTime: 10m
hasher: xxhash
rules:
  - prefix: /admin
    disable: true
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	config, err := loadConfig([]string{"-config", filename, "-port", "8081", "-vv"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if config.Origin != "https://example.com" {
		t.Fatalf("origin: got %q", config.Origin)
	}
	if config.Port != 8081 {
		t.Fatalf("flag should override file port, got %d", config.Port)
	}
	if config.ChangeDetection != cachehtml.ChangeDetectionActive {
		t.Fatalf("change detection: got %v", config.ChangeDetection)
	}
	if config.CacheTime != 10*time.Minute {
		t.Fatalf("cache time: got %v", config.CacheTime)
	}
	if config.Hasher != "xxhash" || config.DB != "cache.db" || !config.VerbosityTrace {
		t.Fatalf("unexpected config %+v", config)
	}
	if len(config.Rules) != 1 || !config.Rules[0].Disable {
		t.Fatalf("rules: got %+v", config.Rules)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if config.CacheTime != cachehtml.DefaultCacheTime || config.Port != 8080 || config.Metrics != "prometheus" {
		t.Fatalf("unexpected defaults %+v", config)
	}
}
