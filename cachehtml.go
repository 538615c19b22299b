// Package cachehtml serves previously rewritten renditions of HTML pages
// while checking the live origin page in the background, healing the cache
// when the page has changed.
package cachehtml

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/cachehtml/cache"
	"github.com/always-cache/cachehtml/origin"
	cachekey "github.com/always-cache/cachehtml/pkg/cache-key"
	cacherules "github.com/always-cache/cachehtml/pkg/cache-rules"
	"github.com/always-cache/cachehtml/pkg/hasher"
	sink "github.com/always-cache/cachehtml/pkg/response-sink"
	"github.com/always-cache/cachehtml/pkg/rewriter"
	"github.com/always-cache/cachehtml/pkg/workqueue"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"gopkg.in/yaml.v3"
)

const (
	// RewriterHeader identifies responses served from a cached render.
	RewriterHeader      = "X-Cachehtml"
	RewriterHeaderValue = "ch"

	DefaultMaxHTMLSizeRewritable = 400 * 1024
	DefaultCacheTime             = 30 * time.Minute
	DefaultBlinkJSURL            = "/.cachehtml/static/blink.js"
	DefaultExperimentCookie      = "_GFURIOUS"
)

// ChangeDetection selects what happens when the live page differs from the
// cached render.
type ChangeDetection int

const (
	// ChangeDetectionOff refreshes the cached render from the live page
	// without comparing.
	ChangeDetectionOff ChangeDetection = iota
	// ChangeDetectionLogging compares and counts, but keeps serving the
	// cached render.
	ChangeDetectionLogging
	// ChangeDetectionActive deletes and recomputes the cached render when
	// the live page differs.
	ChangeDetectionActive
)

func (c ChangeDetection) String() string {
	switch c {
	case ChangeDetectionLogging:
		return "logging"
	case ChangeDetectionActive:
		return "active"
	}
	return "off"
}

func ParseChangeDetection(s string) (ChangeDetection, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return ChangeDetectionOff, nil
	case "logging":
		return ChangeDetectionLogging, nil
	case "active":
		return ChangeDetectionActive, nil
	}
	return ChangeDetectionOff, fmt.Errorf("unknown change detection mode: %s", s)
}

// Set implements flag.Value.
func (c *ChangeDetection) Set(s string) error {
	mode, err := ParseChangeDetection(s)
	if err != nil {
		return err
	}
	*c = mode
	return nil
}

func (c *ChangeDetection) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return c.Set(s)
}

// Experiment sets a cookie on responses served from a cached render.
type Experiment struct {
	CookieName string        `yaml:"cookieName"`
	ID         int           `yaml:"id"`
	Duration   time.Duration `yaml:"duration"`
}

// Dispatcher fetches pages from the origin.
type Dispatcher interface {
	StartNewFetch(ctx context.Context, r *http.Request, s sink.Sink, driver *rewriter.Driver, consumer origin.Consumer)
	Proxy(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	// Storage for the property cache.
	Store cache.Backend
	// URL of the origin server.
	// Origins with paths are not supparted.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Timeout for origin fetches. Default: no timeout
	OriginTimeout time.Duration
	// Dispatcher to fetch from the origin with. If nil, one is created
	// from the origin settings.
	Dispatcher Dispatcher
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Meter for the statistics counters. Default: no-op meter
	Meter metric.Meter
	// Largest page that is buffered and rewritten. Default: 400 KiB
	MaxHTMLSizeRewritable int64
	// How long a cached render is served without change detection.
	// Default: 30 minutes
	CacheTime time.Duration
	// Per path overrides of CacheTime, or disabling the flow altogether.
	Rules cacherules.Rules
	ChangeDetection ChangeDetection
	// Compare the coarser smart diff hash instead of the full content hash.
	UseSmartDiff bool
	// URL of the client side panel loader script.
	BlinkJSURL string
	Experiment Experiment
	// Attribute marking non-cacheable elements. Default: data-non-cacheable
	NonCacheableAttr string
	// Hash function for change detection. Default: SHA256
	Hasher hasher.Hasher
	// Limits for background rewrite work.
	Queue workqueue.Config
	// Clock. Default: time.Now
	Now func() time.Time
}

type Server struct {
	properties      *cache.PropertyCache
	blinkCohort     *cache.Cohort
	keyer           cachekey.Keyer
	dispatcher      Dispatcher
	queue           *workqueue.Queue
	stats           *Stats
	hasher          hasher.Hasher
	log             zerolog.Logger
	rules           cacherules.Rules
	maxHTMLSize     int64
	cacheTime       time.Duration
	changeDetection ChangeDetection
	useSmartDiff    bool
	blinkJSURL      string
	experiment      Experiment
	driverOptions   rewriter.Options
	now             func() time.Time

	// tracks background computations
	background sync.WaitGroup
}

// CreateServer initializes the server and its collaborators.
func CreateServer(config Config) (*Server, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.Store == nil {
		return nil, fmt.Errorf("no property store configured")
	}
	meter := config.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("cachehtml")
	}
	stats, err := NewStats(meter)
	if err != nil {
		return nil, fmt.Errorf("could not create statistics: %w", err)
	}

	s := &Server{
		properties:      cache.NewPropertyCache(config.Store),
		keyer:           cachekey.NewKeyer(config.OriginURL.String()),
		dispatcher:      config.Dispatcher,
		queue:           workqueue.New(config.Queue),
		stats:           stats,
		hasher:          config.Hasher,
		log:             logger,
		rules:           config.Rules,
		maxHTMLSize:     config.MaxHTMLSizeRewritable,
		cacheTime:       config.CacheTime,
		changeDetection: config.ChangeDetection,
		useSmartDiff:    config.UseSmartDiff,
		blinkJSURL:      config.BlinkJSURL,
		experiment:      config.Experiment,
		driverOptions: rewriter.Options{
			CacheHTML:        true,
			NonCacheableAttr: config.NonCacheableAttr,
		},
		now: config.Now,
	}
	s.blinkCohort = s.properties.AddCohort(BlinkCohort)
	s.properties.AddCohort(rewriter.CriticalImagesCohort)

	if s.dispatcher == nil {
		s.dispatcher = origin.NewDispatcher(origin.Config{
			OriginURL:  config.OriginURL,
			OriginHost: config.OriginHost,
			Timeout:    config.OriginTimeout,
			Logger:     &logger,
		})
	}
	if s.hasher == nil {
		s.hasher = hasher.SHA256{}
	}
	if s.maxHTMLSize <= 0 {
		s.maxHTMLSize = DefaultMaxHTMLSizeRewritable
	}
	s.driverOptions.MaxPanelSize = int(s.maxHTMLSize)
	if s.cacheTime <= 0 {
		s.cacheTime = DefaultCacheTime
	}
	if s.blinkJSURL == "" {
		s.blinkJSURL = DefaultBlinkJSURL
	}
	if s.experiment.CookieName == "" {
		s.experiment.CookieName = DefaultExperimentCookie
	}
	if s.now == nil {
		s.now = time.Now
	}

	logger.Info().
		Str("changeDetection", s.changeDetection.String()).
		Dur("cacheTime", s.cacheTime).
		Int64("maxHTMLSize", s.maxHTMLSize).
		Msg("Cache html server created")
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer s.recover(w, r)
	s.handle(w, r)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (s *Server) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		s.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache html handler")
		s.dispatcher.Proxy(w, r)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var status CacheStatus
	if r.Method != http.MethodGet {
		status.Forward(CacheStatusFwdMethod)
		w.Header().Set("Cache-Status", status.String())
		s.dispatcher.Proxy(w, r)
		return
	}
	if s.rules.Disabled(r.URL) {
		status.Forward(CacheStatusFwdBypass)
		w.Header().Set("Cache-Status", status.String())
		s.dispatcher.Proxy(w, r)
		return
	}

	clientSink := sink.NewResponseSink(w)
	driver := rewriter.NewDriver(s.driverOptions, s.queue, s.log.With().Str("url", r.URL.String()).Logger())
	lookup := s.properties.StartLookup(r.Context(), s.keyer.PageKey(r))
	s.Start(r, clientSink, driver, s.dispatcher, lookup)

	select {
	case <-clientSink.Finished():
	case <-r.Context().Done():
		clientSink.Done(false)
	}
	s.log.Debug().
		Str("url", r.URL.String()).
		Int("status", clientSink.Status()).
		Bool("success", clientSink.Success()).
		Int("bytes", clientSink.BytesWritten()).
		Msg("Sent response to client")
}

// Purge deletes the cached render and the other properties of a page.
func (s *Server) Purge(ctx context.Context, uri string) error {
	key, err := s.keyer.KeyForURI(uri)
	if err != nil {
		return err
	}
	s.log.Debug().Str("key", key).Msg("Purging page")
	return s.properties.DeletePage(ctx, key)
}

// SetCriticalImages stores the critical images of a page. They are hinted
// to the browser when the cached render is served.
func (s *Server) SetCriticalImages(ctx context.Context, uri string, images []string) error {
	key, err := s.keyer.KeyForURI(uri)
	if err != nil {
		return err
	}
	page, err := s.properties.Read(ctx, key)
	if page == nil {
		return err
	}
	cohort := s.properties.GetCohort(rewriter.CriticalImagesCohort)
	if len(images) == 0 {
		page.DeleteProperty(cohort, rewriter.CriticalImagesProperty)
	} else {
		value := page.GetProperty(cohort, rewriter.CriticalImagesProperty)
		s.properties.UpdateValue([]byte(strings.Join(images, "\n")), value)
	}
	return s.properties.WriteCohort(ctx, cohort, page)
}

// WaitBackground blocks until all background computations are done.
func (s *Server) WaitBackground() {
	s.background.Wait()
	s.queue.Wait()
}

// QueueMetrics reports the state of the background rewrite queue.
func (s *Server) QueueMetrics() workqueue.Metrics {
	return s.queue.Metrics()
}
