package cachehtml

import (
	"net/http"

	sink "github.com/always-cache/cachehtml/pkg/response-sink"
)

type finisher interface {
	Finish()
}

// headersInhibitedSink relays the rest of a response whose headers and
// cached body have already been sent. When the response is done it
// notifies the background computation, if any.
type headersInhibitedSink struct {
	base     sink.Sink
	finisher finisher
}

func newHeadersInhibitedSink(base sink.Sink) *headersInhibitedSink {
	return &headersInhibitedSink{base: base}
}

func (s *headersInhibitedSink) Header() http.Header {
	return s.base.Header()
}

func (s *headersInhibitedSink) SetStatus(int) {}

func (s *headersInhibitedSink) HeadersComplete() {}

func (s *headersInhibitedSink) Write(b []byte) (int, error) {
	return s.base.Write(b)
}

func (s *headersInhibitedSink) Flush() {
	s.base.Flush()
}

func (s *headersInhibitedSink) Done(success bool) {
	s.base.Done(success)
	if s.finisher != nil {
		s.finisher.Finish()
	}
}
