// Package sink provides the destination a proxied response is streamed to.
package sink

import (
	"bytes"
	"net/http"
	"sync"
)

// Sink receives one response. Header and SetStatus must be called before
// HeadersComplete. Write implies HeadersComplete. Done ends the response and
// may be called more than once; only the first call counts.
type Sink interface {
	Header() http.Header
	SetStatus(code int)
	HeadersComplete()
	Write(b []byte) (int, error)
	Flush()
	Done(success bool)
}

// ResponseSink streams to an http.ResponseWriter. Everything written after
// Done is dropped, so a handler can return while producers are still running.
// The map returned by Header belongs to the producer until HeadersComplete.
type ResponseSink struct {
	rw     http.ResponseWriter
	header http.Header

	mu           sync.Mutex
	status       int
	wroteHeaders bool
	finished     bool
	success      bool
	bytesWritten int
	done         chan struct{}
}

// NewResponseSink returns a sink writing to w.
func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{
		rw:     w,
		header: http.Header{},
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

func (s *ResponseSink) Header() http.Header {
	return s.header
}

func (s *ResponseSink) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wroteHeaders {
		s.status = code
	}
}

func (s *ResponseSink) HeadersComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHeadersLocked()
}

func (s *ResponseSink) writeHeadersLocked() {
	if s.wroteHeaders || s.finished {
		return
	}
	s.wroteHeaders = true
	copyHeader(s.rw.Header(), s.header)
	s.rw.WriteHeader(s.status)
}

func (s *ResponseSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return len(b), nil
	}
	s.writeHeadersLocked()
	n, err := s.rw.Write(b)
	s.bytesWritten += n
	return n, err
}

func (s *ResponseSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.writeHeadersLocked()
	if f, ok := s.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Done ends the response. An aborted response (success false) never
// touches the header map: it may be called from another goroutine than the
// producer, which could still be filling in headers.
func (s *ResponseSink) Done(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if success {
		s.writeHeadersLocked()
	}
	s.finished = true
	s.success = success
	close(s.done)
}

// Finished is closed once Done has been called.
func (s *ResponseSink) Finished() <-chan struct{} {
	return s.done
}

// Wait blocks until Done has been called.
func (s *ResponseSink) Wait() {
	<-s.done
}

// Success reports the value passed to the first Done call.
func (s *ResponseSink) Success() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success
}

// Status returns the status code sent, or to be sent, to the client.
func (s *ResponseSink) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesWritten returns the number of body bytes passed to the client.
func (s *ResponseSink) BytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Buffer is a Sink that records the response in memory.
type Buffer struct {
	header http.Header

	mu       sync.Mutex
	status   int
	complete bool
	body     bytes.Buffer
	flushes  int
	finished bool
	success  bool
	done     chan struct{}
}

// NewBuffer returns an empty recording sink.
func NewBuffer() *Buffer {
	return &Buffer{
		header: http.Header{},
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

func (b *Buffer) Header() http.Header {
	return b.header
}

func (b *Buffer) SetStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = code
}

func (b *Buffer) HeadersComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complete = true
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return len(p), nil
	}
	b.complete = true
	return b.body.Write(p)
}

func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
}

func (b *Buffer) Done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	b.success = success
	close(b.done)
}

// Wait blocks until Done has been called.
func (b *Buffer) Wait() {
	<-b.done
}

func (b *Buffer) Finished() <-chan struct{} {
	return b.done
}

func (b *Buffer) Status() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// HeadersCompleted reports whether HeadersComplete or Write was called.
func (b *Buffer) HeadersCompleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

func (b *Buffer) Body() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.body.String()
}

func (b *Buffer) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

func (b *Buffer) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.success
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
