// Package rewriter implements the HTML rewrite pipeline used by the cache
// html flow: a driver that parses a document and writes it back out through
// a small set of filters.
package rewriter

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/always-cache/cachehtml/pkg/workqueue"

	"github.com/rs/zerolog"
)

const (
	// CriticalImagesCohort is the property cache cohort holding beacon data.
	CriticalImagesCohort = "beacon"
	// CriticalImagesProperty holds newline separated critical image URLs.
	CriticalImagesProperty = "critical_images"
)

// PropertyPage is read access to the property cache entries of one page.
type PropertyPage interface {
	Property(cohort, name string) ([]byte, bool)
}

// Options selects the filters a driver runs.
type Options struct {
	RemoveComments     bool
	StripNonCacheable  bool
	ComputeVisibleText bool
	// CacheHTML marks the driver serving a page through the cache html flow.
	// Once the cached html has been flushed, such a driver reduces the live
	// page to its non-cacheable panels.
	CacheHTML bool
	// Attribute marking non-cacheable elements. Default: data-non-cacheable
	NonCacheableAttr string
	// Largest panel, and largest single token, held in memory while the
	// live page is reduced to panels. Larger panels are dropped.
	// Default: 400 KiB
	MaxPanelSize int
}

func (o Options) nonCacheableAttr() string {
	if o.NonCacheableAttr == "" {
		return "data-non-cacheable"
	}
	return o.NonCacheableAttr
}

func (o Options) maxPanelSize() int {
	if o.MaxPanelSize <= 0 {
		return defaultMaxPanelSize
	}
	return o.MaxPanelSize
}

const defaultMaxPanelSize = 400 * 1024

// Driver parses one document and writes the rewritten output to its writer.
// Documents are buffered until FinishParse, except when the live page is
// reduced to its panels: then each panel is written as soon as it closes.
// StartParse, ParseText and FinishParse(Async) must be called in order from
// one goroutine at a time. The async event count and the cached html flags
// are safe for concurrent use.
type Driver struct {
	options Options
	queue   *workqueue.Queue
	log     zerolog.Logger

	url                string
	writer             io.Writer
	input              bytes.Buffer
	parsing            bool
	page               PropertyPage
	criticalImages     []string
	flushingCachedHTML bool

	// panel streaming, between StartParse and FinishParse
	stream     *io.PipeWriter
	streamDone chan struct{}

	mu                sync.Mutex
	flushedCachedHTML bool
	asyncEvents       int
	cleanupRequested  bool
	released          bool
}

// NewDriver creates a driver. Background tasks are scheduled on queue; a nil
// queue runs them on fresh goroutines without limit.
func NewDriver(options Options, queue *workqueue.Queue, logger zerolog.Logger) *Driver {
	return &Driver{
		options: options,
		queue:   queue,
		log:     logger,
	}
}

// Options returns the filter options of the driver.
func (d *Driver) Options() Options {
	return d.options
}

// Clone returns an independent driver with the same options.
func (d *Driver) Clone() *Driver {
	return NewDriver(d.options, d.queue, d.log)
}

// NewCustom returns an independent driver with different options, sharing
// the queue and logger.
func (d *Driver) NewCustom(options Options) *Driver {
	if options.NonCacheableAttr == "" {
		options.NonCacheableAttr = d.options.NonCacheableAttr
	}
	return NewDriver(options, d.queue, d.log)
}

func (d *Driver) SetWriter(w io.Writer) {
	d.writer = w
}

// StartParse begins a new document.
func (d *Driver) StartParse(url string) {
	d.url = url
	d.input.Reset()
	d.parsing = true
	d.log.Trace().Str("url", url).Msg("Start parse")
	if d.reducesToPanels() {
		d.startPanelStream()
	}
}

// reducesToPanels reports whether the document being parsed is the live
// page behind an already flushed cached html.
func (d *Driver) reducesToPanels() bool {
	return d.options.CacheHTML && !d.flushingCachedHTML && d.FlushedCachedHTML()
}

func (d *Driver) startPanelStream() {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	d.stream, d.streamDone = pw, done
	w, url := d.writer, d.url
	if w == nil {
		w = io.Discard
	}
	go func() {
		defer close(done)
		if err := d.streamNonCacheablePanels(pr, w); err != nil {
			d.log.Warn().Err(err).Str("url", url).Msg("Stopped streaming non-cacheable panels")
		}
		// keep ParseText from blocking on a stream nobody reads
		io.Copy(io.Discard, pr)
	}()
}

// ParseText feeds document bytes. The bytes are not retained after the
// call returns.
func (d *Driver) ParseText(b []byte) {
	if !d.parsing {
		d.log.Warn().Str("url", d.url).Msg("ParseText called outside of parse")
		return
	}
	if d.stream != nil {
		d.stream.Write(b)
		return
	}
	d.input.Write(b)
}

// FinishParse runs the filters over the document and writes the result.
func (d *Driver) FinishParse() error {
	if !d.parsing {
		return nil
	}
	d.parsing = false
	if d.stream != nil {
		d.stream.Close()
		<-d.streamDone
		d.stream, d.streamDone = nil, nil
		return nil
	}
	out, err := d.render(d.input.Bytes())
	d.input.Reset()
	if err != nil {
		d.log.Error().Err(err).Str("url", d.url).Msg("Could not rewrite document")
		return err
	}
	if d.writer == nil || len(out) == 0 {
		return nil
	}
	_, err = d.writer.Write(out)
	if err != nil {
		d.log.Error().Err(err).Str("url", d.url).Msg("Could not write rewritten document")
	}
	return err
}

// FinishParseAsync finishes the parse and then runs fn on a new goroutine.
// All output has been written by the time fn runs.
func (d *Driver) FinishParseAsync(fn func()) {
	d.FinishParse()
	go fn()
}

// AddLowPriorityTask schedules run on the driver's queue. When the queue
// sheds the task under load, cancel is called instead.
func (d *Driver) AddLowPriorityTask(run func(), cancel func()) {
	if d.queue == nil {
		go run()
		return
	}
	d.queue.AddLowPriority(run, cancel)
}

// SetUnownedPropertyPage lends a property page to the driver. Callers set
// it back to nil as soon as they are done, the driver never keeps it.
func (d *Driver) SetUnownedPropertyPage(page PropertyPage) {
	d.page = page
}

// UpdateCriticalImages copies the critical image set from the lent property
// page into the driver. It reports whether any were found.
func (d *Driver) UpdateCriticalImages() bool {
	if d.page == nil {
		return false
	}
	value, ok := d.page.Property(CriticalImagesCohort, CriticalImagesProperty)
	if !ok {
		return false
	}
	d.criticalImages = d.criticalImages[:0]
	for _, line := range strings.Split(string(value), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			d.criticalImages = append(d.criticalImages, line)
		}
	}
	return len(d.criticalImages) > 0
}

// SetFlushingCachedHTML marks a driver that replays cached html. The
// document is written as stored, apart from the critical image hints.
func (d *Driver) SetFlushingCachedHTML(flushing bool) {
	d.flushingCachedHTML = flushing
}

// SetFlushedCachedHTML records that the cached html for this request has
// been written to the client.
func (d *Driver) SetFlushedCachedHTML(flushed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushedCachedHTML = flushed
}

func (d *Driver) FlushedCachedHTML() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushedCachedHTML
}

// IncrementAsyncEvents keeps the driver alive across Cleanup until the
// matching DecrementAsyncEvents.
func (d *Driver) IncrementAsyncEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asyncEvents++
}

func (d *Driver) DecrementAsyncEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.asyncEvents == 0 {
		d.log.Warn().Str("url", d.url).Msg("Async event count underflow")
		return
	}
	d.asyncEvents--
	if d.asyncEvents == 0 && d.cleanupRequested {
		d.releaseLocked()
	}
}

// Cleanup releases the driver, or defers the release until all async events
// have finished. It is safe to call more than once.
func (d *Driver) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupRequested = true
	if d.asyncEvents == 0 {
		d.releaseLocked()
	}
}

func (d *Driver) releaseLocked() {
	if d.released {
		return
	}
	d.released = true
	d.writer = nil
	d.page = nil
	d.criticalImages = nil
	d.log.Trace().Str("url", d.url).Msg("Driver released")
}

// Released reports whether the driver has been torn down.
func (d *Driver) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}
