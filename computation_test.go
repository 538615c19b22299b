package cachehtml

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/cachehtml/pkg/rewriter"

	"github.com/rs/zerolog"
)

func newTestComputation(t *testing.T, e *testEnv, record Record) (*computation, *atomic.Int32) {
	t.Helper()
	r, _ := http.NewRequest("GET", "http://example.com/a", nil)
	f := &flow{
		server:    e.server,
		r:         r,
		url:       r.URL.String(),
		key:       "k",
		driver:    rewriter.NewDriver(rewriter.Options{}, nil, zerolog.Nop()),
		log:       zerolog.Nop(),
		record:    record,
		hasRecord: len(record.RenderedHTML) > 0,
	}
	c := newComputation(f)
	var released atomic.Int32
	release := c.release
	c.release = func() {
		released.Add(1)
		release()
	}
	return c, &released
}

func TestBarrierRunsOnceInEitherOrder(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		e := newTestEnv(t, nil)
		c, released := newTestComputation(t, e, Record{RenderedHTML: []byte("x")})
		if concurrent {
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.Finish()
				}()
			}
			wg.Wait()
		} else {
			c.Finish()
			if released.Load() != 0 {
				t.Fatalf("First Finish must not process the diff")
			}
			c.Finish()
		}
		if released.Load() != 1 {
			t.Fatalf("Diff result processed %d times", released.Load())
		}
		e.server.WaitBackground()
	}
}

func TestHashComparisonIsByteExact(t *testing.T) {
	e := newTestEnv(t, nil)
	h := e.server.hasher
	record := Record{
		RenderedHTML:  []byte("cached"),
		ContentHash:   h.Hash([]byte("<p>a b</p>")),
		SmartDiffHash: h.Hash([]byte("a b")),
	}

	c, _ := newTestComputation(t, e, record)
	c.completeChangeDetection([]byte("a b" + rewriter.VisibleTextEndMarker + "<p>a b</p>"))
	if e.counter(t, "num_cache_html_matches") != 1 || e.counter(t, "num_cache_html_smart_diff_matches") != 1 {
		t.Fatalf("Identical extraction must match")
	}
	c.Finish()

	c, _ = newTestComputation(t, e, record)
	c.completeChangeDetection([]byte("a c" + rewriter.VisibleTextEndMarker + "<p>a c</p>"))
	if e.counter(t, "num_cache_html_mismatches") != 1 || e.counter(t, "num_cache_html_smart_diff_mismatches") != 1 {
		t.Fatalf("Single byte difference must mismatch")
	}
	c.Finish()
	e.server.WaitBackground()
}

func TestMissingMarkerAbandonsDiff(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.ChangeDetection = ChangeDetectionActive
	})
	c, released := newTestComputation(t, e, Record{RenderedHTML: []byte("cached"), ContentHash: "h"})
	c.completeChangeDetection([]byte("no marker here"))
	c.Finish()
	if released.Load() != 1 {
		t.Fatalf("Expected the computation to be released")
	}
	if e.counter(t, "num_cache_html_mismatch_cache_deletes") != 0 {
		t.Fatalf("Nothing should be deleted without a computed hash")
	}
}

func TestSizeThreshold(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.MaxHTMLSizeRewritable = 16
	})

	c, released := newTestComputation(t, e, Record{})
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	c.OnHeaders(http.StatusOK, h)
	c.OnBody([]byte("  <html>"))
	c.OnBody([]byte("<body>"))
	if string(c.buffer) != "  <html><body>" {
		t.Fatalf("Buffer is %q", c.buffer)
	}
	c.OnBody([]byte("<p>too much</p>"))
	if !c.overThreshold || c.buffer != nil {
		t.Fatalf("Buffering should stop over the threshold")
	}
	c.OnBody([]byte("</body>"))
	if c.buffer != nil {
		t.Fatalf("Buffering resumed after threshold")
	}
	c.OnDone(true)
	if released.Load() != 1 {
		t.Fatalf("Over threshold computation not released")
	}

	c, _ = newTestComputation(t, e, Record{})
	h.Set("Content-Length", "17")
	c.OnHeaders(http.StatusOK, h)
	if !c.overThreshold {
		t.Fatalf("Content-Length over threshold not detected")
	}
	c.OnDone(true)
	e.server.WaitBackground()

	if e.backend.puts.Load() != 0 {
		t.Fatalf("Nothing should be stored")
	}
}

func TestNotHTMLIsNotComputed(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, tc := range []struct {
		status      int
		contentType string
		body        string
	}{
		{http.StatusOK, "application/json", `<p>json</p>`},
		{http.StatusOK, "text/html", `{"not": "html"}`},
		{http.StatusNotFound, "text/html", `<p>missing</p>`},
	} {
		c, released := newTestComputation(t, e, Record{})
		h := http.Header{}
		h.Set("Content-Type", tc.contentType)
		c.OnHeaders(tc.status, h)
		c.OnBody([]byte(tc.body))
		c.OnDone(true)
		if released.Load() != 1 {
			t.Fatalf("Computation for %+v not released", tc)
		}
	}
	e.server.WaitBackground()
	if e.backend.puts.Load() != 0 {
		t.Fatalf("Nothing should be stored")
	}
}

func TestRelayForwardsBodyAndFinishes(t *testing.T) {
	e := newTestEnv(t, nil)
	c, released := newTestComputation(t, e, Record{RenderedHTML: []byte("x")})
	base := newRecordingSink()
	relay := newHeadersInhibitedSink(base)
	relay.finisher = c

	relay.SetStatus(http.StatusTeapot)
	relay.HeadersComplete()
	relay.Write([]byte("panel"))
	relay.Flush()
	c.Finish()
	relay.Done(true)

	if base.headersCompleted || base.status != 0 {
		t.Fatalf("Headers must not be sent again")
	}
	if base.body != "panel" || base.flushes != 1 || !base.done {
		t.Fatalf("Relay did not forward: %+v", base)
	}
	if released.Load() != 1 {
		t.Fatalf("Relay Done must complete the barrier")
	}
}

type recordingSink struct {
	header           http.Header
	status           int
	headersCompleted bool
	body             string
	flushes          int
	done             bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{header: http.Header{}}
}

func (s *recordingSink) Header() http.Header { return s.header }
func (s *recordingSink) SetStatus(code int)  { s.status = code }
func (s *recordingSink) HeadersComplete()    { s.headersCompleted = true }
func (s *recordingSink) Flush()              { s.flushes++ }
func (s *recordingSink) Done(bool)           { s.done = true }
func (s *recordingSink) Write(b []byte) (int, error) {
	s.body += string(b)
	return len(b), nil
}
