// Package origin fetches pages from the origin server and streams them to a
// client sink, a rewrite driver and an optional background consumer.
package origin

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	sink "github.com/always-cache/cachehtml/pkg/response-sink"
	"github.com/always-cache/cachehtml/pkg/rewriter"

	"github.com/rs/zerolog"
)

// Consumer receives a copy of every origin response event. Chunks passed to
// OnBody are only valid for the duration of the call.
type Consumer interface {
	OnHeaders(status int, header http.Header)
	OnBody(b []byte)
	OnFlush()
	OnDone(success bool)
}

type Config struct {
	// URL of the origin server.
	// Origins with paths are not supparted.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	OriginHost string
	// Timeout of a whole origin fetch. Default: no timeout
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Dispatcher struct {
	originURL    url.URL
	originHost   string
	httpClient   http.Client
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

func NewDispatcher(config Config) *Dispatcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}

	return &Dispatcher{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		httpClient: http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		reverseproxy: httputil.ReverseProxy{
			Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
			Transport: transport,
		},
		log: logger,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// Proxy passes the request to the origin and the response back untouched.
func (d *Dispatcher) Proxy(w http.ResponseWriter, r *http.Request) {
	d.log.Trace().Msgf("proxying %s", r.URL.String())
	d.reverseproxy.ServeHTTP(w, r)
}

// Fetch fetches the resource specified in the incoming request from the origin.
func (d *Dispatcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := d.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		d.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	req.Host = d.originHost
	copyHeader(req.Header, r.Header)
	removeHopHeaders(req.Header)
	d.log.Trace().Str("uri", uri).Msg("Fetching from origin")

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// StartNewFetch fetches r from the origin on a new goroutine.
//
// Until the driver has flushed cached html, the response is passed through
// to s verbatim. Afterwards headers have already been sent and the body is
// parsed by the driver instead, which writes its output to s. Every event
// is also delivered to consumer, if not nil. The driver is cleaned up when
// the fetch is over.
func (d *Dispatcher) StartNewFetch(ctx context.Context, r *http.Request, s sink.Sink, driver *rewriter.Driver, consumer Consumer) {
	go d.fetchAndStream(ctx, r, s, driver, consumer)
}

func (d *Dispatcher) fetchAndStream(ctx context.Context, r *http.Request, s sink.Sink, driver *rewriter.Driver, consumer Consumer) {
	log := d.log.With().Str("url", r.URL.String()).Logger()
	flushed := driver.FlushedCachedHTML()

	res, err := d.Fetch(ctx, r)
	if err != nil {
		log.Error().Err(err).Msg("Error connecting to origin")
		if !flushed {
			s.Header().Set("Content-Type", "text/plain; charset=utf-8")
			s.SetStatus(http.StatusBadGateway)
			s.HeadersComplete()
			s.Write([]byte("Could not connect to origin\n"))
		}
		driver.Cleanup()
		s.Done(false)
		if consumer != nil {
			consumer.OnDone(false)
		}
		return
	}
	defer res.Body.Close()

	if consumer != nil {
		header := res.Header.Clone()
		if header.Get("Content-Length") == "" && res.ContentLength >= 0 {
			header.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
		}
		consumer.OnHeaders(res.StatusCode, header)
	}
	if flushed {
		driver.SetWriter(s)
		driver.StartParse(r.URL.String())
	} else {
		copyHeader(s.Header(), res.Header)
		s.SetStatus(res.StatusCode)
		s.HeadersComplete()
	}

	success := true
	buf := make([]byte, 32*1024)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if flushed {
				driver.ParseText(chunk)
			} else if _, werr := s.Write(chunk); werr != nil {
				log.Error().Err(werr).Msg("Could not write response body to client")
			}
			if consumer != nil {
				consumer.OnBody(chunk)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("Error reading origin response")
			success = false
			break
		}
	}
	if consumer != nil {
		consumer.OnFlush()
	}

	done := func() {
		driver.Cleanup()
		s.Flush()
		s.Done(success)
		if consumer != nil {
			consumer.OnDone(success)
		}
		log.Trace().Bool("success", success).Msg("Origin fetch done")
	}
	if flushed {
		driver.FinishParseAsync(done)
	} else {
		done()
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	h.Del("Connection")
	h.Del("Proxy-Connection")
	h.Del("Keep-Alive")
	h.Del("TE")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
}
