package rewriter

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/cachehtml/pkg/workqueue"

	"github.com/rs/zerolog"
)

type fakePage map[string]string

func (p fakePage) Property(cohort, name string) ([]byte, bool) {
	v, ok := p[cohort+"/"+name]
	return []byte(v), ok
}

func rewrite(t *testing.T, d *Driver, input string) string {
	t.Helper()
	var out bytes.Buffer
	d.SetWriter(&out)
	d.StartParse("http://example.com/")
	// feed in two chunks to make sure input is accumulated
	d.ParseText([]byte(input[:len(input)/2]))
	d.ParseText([]byte(input[len(input)/2:]))
	if err := d.FinishParse(); err != nil {
		t.Fatalf("FinishParse: %v", err)
	}
	return out.String()
}

func TestStripNonCacheableAndComments(t *testing.T) {
	d := NewDriver(Options{RemoveComments: true, StripNonCacheable: true}, nil, zerolog.Nop())
	input := `<html><head></head><body><!-- note --><div data-non-cacheable="cart"><p>3 items</p><br></div><p>Hello</p></body></html>`
	want := `<html><head></head><body><p>Hello</p></body></html>`
	if got := rewrite(t, d, input); got != want {
		t.Fatalf("Got %s", got)
	}
}

func TestCommentsKeptWithoutFilter(t *testing.T) {
	d := NewDriver(Options{}, nil, zerolog.Nop())
	input := `<p>a<!-- note -->b</p>`
	if got := rewrite(t, d, input); got != input {
		t.Fatalf("Got %s", got)
	}
}

func TestComputeVisibleText(t *testing.T) {
	d := NewDriver(Options{RemoveComments: true, StripNonCacheable: true, ComputeVisibleText: true}, nil, zerolog.Nop())
	input := `<html><head><title>T</title><script>var x = 1;</script></head><body><p>Hello   world</p><!-- c --></body></html>`
	got := rewrite(t, d, input)
	parts := strings.Split(got, VisibleTextEndMarker)
	if len(parts) != 2 {
		t.Fatalf("Expected two segments, got %q", got)
	}
	if parts[0] != "T Hello world" {
		t.Fatalf("Smart diff text is %q", parts[0])
	}
	if parts[1] != `<html><head><title>T</title><script>var x = 1;</script></head><body><p>Hello   world</p></body></html>` {
		t.Fatalf("Full segment is %q", parts[1])
	}
}

func TestCriticalImageHints(t *testing.T) {
	d := NewDriver(Options{}, nil, zerolog.Nop())
	d.SetUnownedPropertyPage(fakePage{
		CriticalImagesCohort + "/" + CriticalImagesProperty: "/a.png\n\n /b.png \n",
	})
	if !d.UpdateCriticalImages() {
		t.Fatal("Expected critical images")
	}
	d.SetUnownedPropertyPage(nil)
	got := rewrite(t, d, `<html><head><title>x</title></head></html>`)
	want := `<html><head><link rel="preload" as="image" href="/a.png"><link rel="preload" as="image" href="/b.png"><title>x</title></head></html>`
	if got != want {
		t.Fatalf("Got %s", got)
	}
}

func TestNonCacheablePanels(t *testing.T) {
	d := NewDriver(Options{CacheHTML: true}, nil, zerolog.Nop())
	d.SetFlushedCachedHTML(true)
	got := rewrite(t, d, `<body><div data-non-cacheable="cart"><div><b>2</b></div></div><p>static</p><span data-non-cacheable>x</span></body>`)
	if strings.Count(got, "pagespeed.panelLoader.loadNonCacheableObject(") != 2 {
		t.Fatalf("Expected two panels, got %s", got)
	}
	if !strings.Contains(got, `{"cart":{"instance_html":`) || !strings.Contains(got, `"panel-1"`) {
		t.Fatalf("Panel ids missing in %s", got)
	}
	if strings.Contains(got, "static") {
		t.Fatalf("Cacheable content leaked into panels: %s", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPanelsAreWrittenAsTheyClose(t *testing.T) {
	d := NewDriver(Options{CacheHTML: true}, nil, zerolog.Nop())
	d.SetFlushedCachedHTML(true)
	var out syncBuffer
	d.SetWriter(&out)
	d.StartParse("http://example.com/")
	d.ParseText([]byte(`<html><body><div data-non-cacheable="cart">2 items</div><p>`))

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "2 items") {
		if time.Now().After(deadline) {
			t.Fatalf("Closed panel not written before the end of the page: %q", out.String())
		}
		time.Sleep(time.Millisecond)
	}

	d.ParseText([]byte(`static</p><span data-non-cacheable="user">me</span></body></html>`))
	if err := d.FinishParse(); err != nil {
		t.Fatalf("FinishParse: %v", err)
	}
	if got := out.String(); strings.Count(got, "loadNonCacheableObject(") != 2 || !strings.Contains(got, `"user"`) {
		t.Fatalf("Got %s", got)
	}
}

func TestPanelStreamIsBounded(t *testing.T) {
	d := NewDriver(Options{CacheHTML: true, MaxPanelSize: 1024}, nil, zerolog.Nop())
	d.SetFlushedCachedHTML(true)
	var out bytes.Buffer
	d.SetWriter(&out)
	d.StartParse("http://example.com/")

	filler := []byte(strings.Repeat("<p>static content</p>", 5000))
	for i := 0; i < 300; i++ {
		d.ParseText(filler)
	}
	d.ParseText([]byte(`<div data-non-cacheable="small">ok</div>`))
	d.ParseText([]byte(`<div data-non-cacheable="big">` + strings.Repeat("<i>x</i>", 500) + `</div>`))
	d.ParseText([]byte(`<div data-non-cacheable="after">fine</div>`))
	// a single token over the limit ends the stream
	d.ParseText([]byte(`<p>` + strings.Repeat("y", 4096) + `</p>`))
	d.ParseText([]byte(`<div data-non-cacheable="late">lost</div>`))
	if err := d.FinishParse(); err != nil {
		t.Fatalf("FinishParse: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, `"small"`) || !strings.Contains(got, `"after"`) {
		t.Fatalf("Expected panels missing: %s", got)
	}
	if strings.Contains(got, `"big"`) || strings.Contains(got, `"late"`) {
		t.Fatalf("Panels over the limit were written: %s", got)
	}
	if strings.Contains(got, "static content") {
		t.Fatalf("Cacheable content leaked into panels")
	}
}

func TestFlushingCachedHTMLReplaysAsStored(t *testing.T) {
	d := NewDriver(Options{CacheHTML: true, RemoveComments: true, StripNonCacheable: true}, nil, zerolog.Nop())
	d.SetFlushingCachedHTML(true)
	d.SetFlushedCachedHTML(true)
	input := `<html><head></head><body><!-- kept --><div data-non-cacheable="cart">x</div></body></html>`
	if got := rewrite(t, d, input); got != input {
		t.Fatalf("Got %s", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	d := NewDriver(Options{StripNonCacheable: true}, nil, zerolog.Nop())
	d.SetFlushedCachedHTML(true)
	c := d.Clone()
	if c.FlushedCachedHTML() {
		t.Fatal("Clone shares state")
	}
	if c.Options() != d.Options() {
		t.Fatal("Clone has different options")
	}
}

func TestCleanupWaitsForAsyncEvents(t *testing.T) {
	d := NewDriver(Options{}, nil, zerolog.Nop())
	d.IncrementAsyncEvents()
	d.Cleanup()
	if d.Released() {
		t.Fatal("Released while async event pending")
	}
	d.DecrementAsyncEvents()
	if !d.Released() {
		t.Fatal("Not released after last async event")
	}
	// second cleanup is harmless
	d.Cleanup()
}

func TestFinishParseAsyncRunsAfterOutput(t *testing.T) {
	d := NewDriver(Options{}, nil, zerolog.Nop())
	var out bytes.Buffer
	d.SetWriter(&out)
	d.StartParse("http://example.com/")
	d.ParseText([]byte("<p>x</p>"))
	done := make(chan string)
	d.FinishParseAsync(func() { done <- out.String() })
	if got := <-done; got != "<p>x</p>" {
		t.Fatalf("Continuation saw %q", got)
	}
}

func TestLowPriorityTaskShed(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxConcurrent: 1})
	d := NewDriver(Options{}, q, zerolog.Nop())
	block := make(chan struct{})
	started := make(chan struct{})
	d.AddLowPriorityTask(func() {
		close(started)
		<-block
	}, nil)
	<-started
	cancelled := false
	d.AddLowPriorityTask(func() {}, func() { cancelled = true })
	close(block)
	q.Wait()
	if !cancelled {
		t.Fatal("Expected task to be shed")
	}
}

func TestDetermineCharset(t *testing.T) {
	if cs := DetermineCharset("text/html; charset=ISO-8859-1", nil); cs != "ISO-8859-1" {
		t.Fatalf("Charset from header is %q", cs)
	}
	if cs := DetermineCharset("text/html", []byte("\xfe\xff\x00<")); cs != "utf-16be" {
		t.Fatalf("Charset from BOM is %q", cs)
	}
	if cs := DetermineCharset("text/html", []byte("<html>")); cs != "" {
		t.Fatalf("Charset guessed as %q", cs)
	}
}
