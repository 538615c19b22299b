package cachehtml

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/always-cache/cachehtml/cache"
	htmldetector "github.com/always-cache/cachehtml/pkg/html-detector"
	"github.com/always-cache/cachehtml/pkg/rewriter"

	"github.com/rs/zerolog"
)

// computation consumes the origin response in the background. It buffers
// the page and computes a new record from it, and with change detection on
// compares the page against the record that was served.
type computation struct {
	server *Server
	ctx    context.Context
	url    string
	page   *cache.Page
	driver *rewriter.Driver
	log    zerolog.Logger

	// record that was read for this request; hasHTML when it was served
	record  Record
	hasHTML bool

	status        int
	claimsHTML    bool
	overThreshold bool
	contentType   string
	detector      htmldetector.Detector
	buffer        []byte
	charset       string

	computedHash          string
	computedSmartDiffHash string

	barrier completionBarrier
	release func()
}

func newComputation(f *flow) *computation {
	c := &computation{
		server:  f.server,
		ctx:     context.WithoutCancel(f.r.Context()),
		url:     f.url,
		page:    f.page,
		driver:  f.driver,
		log:     f.log.With().Str("component", "computation").Logger(),
		record:  f.record,
		hasHTML: f.hasRecord,
	}
	if c.page == nil {
		c.page = f.server.properties.NewPage(f.key)
	}
	// keep the primary driver alive until the computation is over
	c.driver.IncrementAsyncEvents()
	f.server.background.Add(1)
	c.release = sync.OnceFunc(func() {
		c.log.Trace().Msg("Computation released")
		c.driver.DecrementAsyncEvents()
		c.server.background.Done()
	})
	return c
}

func (c *computation) OnHeaders(status int, header http.Header) {
	c.status = status
	if status != http.StatusOK {
		c.log.Debug().Int("status", status).Msg("Non 200 response from origin, not computing cached html")
		return
	}
	c.contentType = header.Get("Content-Type")
	c.claimsHTML = htmldetector.IsHTMLLike(c.contentType)
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > c.server.maxHTMLSize {
			c.log.Debug().Int64("contentLength", n).Msg("Response over rewritable size")
			c.overThreshold = true
		}
	}
}

func (c *computation) OnBody(b []byte) {
	if !c.claimsHTML || c.overThreshold {
		return
	}
	if !c.detector.AlreadyDecided() {
		if !c.detector.ConsiderInput(b) {
			return
		}
		if !c.detector.ProbableHTML() {
			c.log.Debug().Msg("Response body is not html")
			c.claimsHTML = false
			return
		}
		c.buffer = c.detector.ReleaseBuffered(c.buffer)
	}
	if int64(len(c.buffer)+len(b)) > c.server.maxHTMLSize {
		c.log.Debug().Int("buffered", len(c.buffer)).Msg("Response over rewritable size")
		c.overThreshold = true
		c.buffer = nil
		return
	}
	c.buffer = append(c.buffer, b...)
}

func (c *computation) OnFlush() {}

func (c *computation) OnDone(success bool) {
	if !success || c.status != http.StatusOK || !c.claimsHTML || c.overThreshold || !c.detector.ProbableHTML() {
		c.log.Trace().
			Bool("success", success).
			Int("status", c.status).
			Bool("html", c.claimsHTML && c.detector.ProbableHTML()).
			Bool("overThreshold", c.overThreshold).
			Msg("Nothing to compute")
		if c.hasHTML {
			c.Finish()
		} else {
			c.release()
		}
		return
	}
	c.charset = rewriter.DetermineCharset(c.contentType, c.buffer)
	if c.server.changeDetection != ChangeDetectionOff {
		c.computeChangeDetection()
	} else {
		c.computeCachedHTML()
	}
}

// computeCachedHTML renders the buffered page with the non-cacheable
// content stripped and stores the result as the new record.
func (c *computation) computeCachedHTML() {
	d := c.driver.NewCustom(rewriter.Options{StripNonCacheable: true})
	var out bytes.Buffer
	d.SetWriter(&out)
	d.AddLowPriorityTask(func() {
		d.StartParse(c.url)
		d.ParseText(c.buffer)
		d.FinishParseAsync(func() {
			d.Cleanup()
			c.completeCachedHTML(out.Bytes())
		})
	}, func() {
		c.log.Warn().Msg("Cached html computation shed")
		d.Cleanup()
		c.release()
	})
}

func (c *computation) completeCachedHTML(rendered []byte) {
	defer c.release()
	record := Record{
		RenderedHTML:     rendered,
		ContentHash:      c.computedHash,
		SmartDiffHash:    c.computedSmartDiffHash,
		LastComputedAtMs: c.server.now().UnixMilli(),
		Charset:          c.charset,
		HasCharset:       c.charset != "",
	}
	if len(record.RenderedHTML) == 0 || c.overThreshold {
		c.log.Debug().Msg("Empty cached html, not storing")
		return
	}
	c.writeRecord(record)
}

// computeChangeDetection extracts the visible text of the buffered page and
// hashes it.
func (c *computation) computeChangeDetection() {
	d := c.driver.NewCustom(rewriter.Options{
		RemoveComments:     true,
		StripNonCacheable:  true,
		ComputeVisibleText: true,
	})
	var out bytes.Buffer
	d.SetWriter(&out)
	d.AddLowPriorityTask(func() {
		d.StartParse(c.url)
		d.ParseText(c.buffer)
		d.FinishParseAsync(func() {
			d.Cleanup()
			c.completeChangeDetection(out.Bytes())
		})
	}, func() {
		c.log.Warn().Msg("Change detection computation shed")
		d.Cleanup()
		if c.hasHTML {
			c.Finish()
		} else {
			c.release()
		}
	})
}

func (c *computation) completeChangeDetection(output []byte) {
	parts := strings.Split(string(output), rewriter.VisibleTextEndMarker)
	if len(parts) == 2 {
		c.computedSmartDiffHash = c.server.hasher.Hash([]byte(parts[0]))
		c.computedHash = c.server.hasher.Hash([]byte(parts[1]))
	}
	if !c.hasHTML {
		c.computeCachedHTML()
		return
	}

	stats := c.server.stats
	if c.computedHash == c.record.ContentHash {
		stats.inc(c.ctx, stats.matches)
	} else {
		stats.inc(c.ctx, stats.mismatches)
	}
	if c.computedSmartDiffHash == c.record.SmartDiffHash {
		stats.inc(c.ctx, stats.smartDiffMatches)
	} else {
		stats.inc(c.ctx, stats.smartDiffMismatches)
	}
	c.log.Debug().
		Str("hash", c.computedHash).
		Str("storedHash", c.record.ContentHash).
		Str("smartDiffHash", c.computedSmartDiffHash).
		Str("storedSmartDiffHash", c.record.SmartDiffHash).
		Msg("Change detection done")
	c.Finish()
}

// Finish is called once by the client response path and once by the
// background computation. The second call acts on the diff result.
func (c *computation) Finish() {
	if !c.barrier.arrive() {
		return
	}
	c.processDiffResult()
}

func (c *computation) processDiffResult() {
	if c.computedHash == "" {
		c.log.Trace().Msg("No hash computed, abandoning diff")
		c.release()
		return
	}
	var mismatch bool
	if c.server.useSmartDiff {
		mismatch = c.computedSmartDiffHash != c.record.SmartDiffHash
	} else {
		mismatch = c.computedHash != c.record.ContentHash
	}
	active := c.server.changeDetection == ChangeDetectionActive

	if mismatch && active {
		c.log.Debug().Msg("Content changed, deleting cached html")
		c.deleteRecord()
		c.server.stats.inc(c.ctx, c.server.stats.mismatchCacheDeletes)
		c.computeCachedHTML()
		return
	}
	if active || c.computedHash != c.record.ContentHash || c.computedSmartDiffHash != c.record.SmartDiffHash {
		record := c.record
		record.ContentHash = c.computedHash
		record.SmartDiffHash = c.computedSmartDiffHash
		record.LastComputedAtMs = c.server.now().UnixMilli()
		// charset follows the live response, even when it no longer has one
		record.Charset, record.HasCharset = c.charset, c.charset != ""
		c.writeRecord(record)
	}
	c.release()
}

func (c *computation) writeRecord(record Record) {
	properties := c.server.properties
	value := c.page.GetProperty(c.server.blinkCohort, RewriterInfoProperty)
	properties.UpdateValue(record.Marshal(), value)
	if err := properties.WriteCohort(c.ctx, c.server.blinkCohort, c.page); err != nil {
		c.log.Error().Err(err).Msg("Could not write cached html")
		return
	}
	c.log.Trace().Int("bytes", len(record.RenderedHTML)).Msg("Cached html written")
}

func (c *computation) deleteRecord() {
	c.page.DeleteProperty(c.server.blinkCohort, RewriterInfoProperty)
	if err := c.server.properties.WriteCohort(c.ctx, c.server.blinkCohort, c.page); err != nil {
		c.log.Error().Err(err).Msg("Could not delete cached html")
	}
}
