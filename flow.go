package cachehtml

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/always-cache/cachehtml/cache"
	"github.com/always-cache/cachehtml/origin"
	sink "github.com/always-cache/cachehtml/pkg/response-sink"
	"github.com/always-cache/cachehtml/pkg/rewriter"

	"github.com/rs/zerolog"
)

const bootstrapScript = `<script type="text/javascript" src="%s"></script>` +
	`<script type="text/javascript">pagespeed.panelLoaderInit();pagespeed.panelLoader.loadCriticalData({});pagespeed.panelLoader.loadImagesData({});</script>` + "\n"

// flow serves one request: the cached render when there is one, followed by
// the live page in the background.
type flow struct {
	server     *Server
	r          *http.Request
	url        string
	key        string
	clientSink sink.Sink
	driver     *rewriter.Driver
	dispatcher Dispatcher
	lookup     *cache.Lookup
	log        zerolog.Logger

	page        *cache.Page
	record      Record
	hasRecord   bool
	cacheStatus CacheStatus
}

// Start serves r from the cached render once the property lookup is done,
// or passes it through to the origin if there is none. The outcome is
// observed through clientSink. driver is the primary rewrite driver of the
// request; it is cleaned up when the request is over.
func (s *Server) Start(r *http.Request, clientSink sink.Sink, driver *rewriter.Driver, dispatcher Dispatcher, lookup *cache.Lookup) {
	f := &flow{
		server:     s,
		r:          r,
		url:        r.URL.String(),
		key:        lookup.Key(),
		clientSink: clientSink,
		driver:     driver,
		dispatcher: dispatcher,
		lookup:     lookup,
		log:        s.log.With().Str("url", r.URL.String()).Logger(),
	}
	lookup.AddPostLookupTask(f.lookupDone, f.lookupCancelled)
}

func (f *flow) lookupCancelled() {
	f.log.Trace().Msg("Property lookup cancelled")
	f.driver.Cleanup()
}

func (f *flow) lookupDone() {
	f.populateRecord()
	if f.hasRecord {
		f.hit()
	} else {
		f.miss()
	}
}

// populateRecord reads the cached render record from the looked up page.
// Malformed and expired records are treated as absent.
func (f *flow) populateRecord() {
	f.page = f.lookup.Page()
	if err := f.lookup.Err(); err != nil {
		f.log.Error().Err(err).Msg("Could not read properties")
	}
	f.cacheStatus.Forward(CacheStatusFwdUriMiss)
	if f.page == nil {
		return
	}
	value := f.page.GetProperty(f.server.blinkCohort, RewriterInfoProperty)
	if !value.HasValue() {
		return
	}
	record, err := UnmarshalRecord(value.Value())
	if err != nil {
		f.log.Error().Err(err).Bool("dataQuality", true).Msg("Could not parse cached html record")
		f.cacheStatus.Detail("malformed")
		return
	}
	if len(record.RenderedHTML) == 0 {
		return
	}
	if f.server.changeDetection != ChangeDetectionActive {
		ttl := f.server.rules.CacheTimeFor(f.r.URL, f.server.cacheTime)
		if record.Expired(f.server.now(), ttl) {
			f.log.Trace().Time("computedAt", record.ComputedAt()).Msg("Cached html expired")
			f.cacheStatus.Forward(CacheStatusFwdStale)
			return
		}
	}
	f.record = record
	f.hasRecord = true
}

func (f *flow) miss() {
	f.server.stats.inc(f.r.Context(), f.server.stats.misses)
	f.log.Debug().Str("status", f.cacheStatus.String()).Msg("Cache html miss")
	f.clientSink.Header().Set("Cache-Status", f.cacheStatus.String())
	f.triggerFetch()
}

func (f *flow) hit() {
	f.server.stats.inc(f.r.Context(), f.server.stats.hits)
	f.cacheStatus.Hit()
	f.log.Debug().Str("status", f.cacheStatus.String()).Msg("Cache html hit")

	contentType := "text/html"
	if f.record.HasCharset && f.record.Charset != "" {
		contentType += "; charset=" + f.record.Charset
	}
	header := f.clientSink.Header()
	header.Set("Content-Type", contentType)
	header.Set(RewriterHeader, RewriterHeaderValue)
	header.Set("Cache-Control", "max-age=0, private, no-cache")
	header.Set("Date", f.server.now().UTC().Format(http.TimeFormat))
	header.Set("Cache-Status", f.cacheStatus.String())
	if e := f.server.experiment; e.ID > 0 {
		cookie := http.Cookie{
			Name:  e.CookieName,
			Value: strconv.Itoa(e.ID),
			Path:  "/",
		}
		if e.Duration > 0 {
			cookie.Expires = f.server.now().Add(e.Duration)
		}
		header.Add("Set-Cookie", cookie.String())
	}
	f.clientSink.SetStatus(http.StatusOK)
	f.clientSink.HeadersComplete()
	f.clientSink.Flush()

	clone := f.driver.Clone()
	clone.SetFlushingCachedHTML(true)
	clone.SetWriter(f.clientSink)
	clone.StartParse(f.url)
	f.initDriverWithPropertyCacheValues(clone)
	clone.ParseText(f.record.RenderedHTML)
	clone.FinishParseAsync(func() {
		clone.Cleanup()
		f.rewriteDone()
	})
}

// initDriverWithPropertyCacheValues lends the page to the driver only for
// as long as it takes to copy what it needs.
func (f *flow) initDriverWithPropertyCacheValues(d *rewriter.Driver) {
	if f.page == nil {
		return
	}
	d.SetUnownedPropertyPage(f.page)
	d.UpdateCriticalImages()
	d.SetUnownedPropertyPage(nil)
}

func (f *flow) rewriteDone() {
	f.driver.SetFlushedCachedHTML(true)
	fmt.Fprintf(f.clientSink, bootstrapScript, f.server.blinkJSURL)
	f.clientSink.Flush()
	f.triggerFetch()
}

// triggerFetch fetches the live page. Before the cached html was flushed
// the origin response is passed through. Afterwards only the non-cacheable
// panels are relayed to the client.
func (f *flow) triggerFetch() {
	req := f.r.Clone(f.r.Context())
	// a 304 cannot be diffed
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")

	flushed := f.driver.FlushedCachedHTML()
	var c *computation
	if !flushed || f.server.changeDetection != ChangeDetectionOff {
		c = newComputation(f)
	}
	var target sink.Sink = f.clientSink
	if flushed {
		relay := newHeadersInhibitedSink(f.clientSink)
		if c != nil {
			relay.finisher = c
		}
		target = relay
	}
	var consumer origin.Consumer
	if c != nil {
		consumer = c
	}
	f.dispatcher.StartNewFetch(context.WithoutCancel(f.r.Context()), req, target, f.driver, consumer)
}
