// Package htmldetector sniffs a streamed response body to decide whether it
// is probably HTML, looking only at a bounded prefix.
package htmldetector

import (
	"bytes"
	"mime"
	"strings"
)

// MaxUndecided is the amount of leading whitespace the detector buffers
// before it gives up and declares the content not HTML.
const MaxUndecided = 4096

var utf8BOM = []byte("\xef\xbb\xbf")

// Detector decides from the first non-blank byte of a stream whether the
// content looks like HTML. The zero value is ready to use.
type Detector struct {
	decided  bool
	probable bool
	buffered []byte
}

// ConsiderInput feeds the next chunk of the stream to the detector.
// It returns true once a decision has been made (including on earlier calls).
// While undecided, the chunk is buffered so that it can be released later.
// The chunk that leads to the decision is not buffered: the caller owns it.
func (d *Detector) ConsiderInput(data []byte) bool {
	if d.decided {
		return true
	}
	rest := data
	if len(d.buffered) == 0 {
		rest = bytes.TrimPrefix(rest, utf8BOM)
	}
	rest = bytes.TrimLeft(rest, " \t\r\n\f")
	if len(rest) == 0 {
		d.buffered = append(d.buffered, data...)
		if len(d.buffered) > MaxUndecided {
			d.decided = true
		}
		return d.decided
	}
	d.decided = true
	d.probable = rest[0] == '<'
	return true
}

// AlreadyDecided reports whether ConsiderInput has reached a decision.
func (d *Detector) AlreadyDecided() bool {
	return d.decided
}

// ProbableHTML reports the decision. It is only meaningful once decided.
func (d *Detector) ProbableHTML() bool {
	return d.probable
}

// ReleaseBuffered appends the buffered prefix to dst and forgets it.
func (d *Detector) ReleaseBuffered(dst []byte) []byte {
	dst = append(dst, d.buffered...)
	d.buffered = nil
	return dst
}

// IsHTMLLike reports whether a Content-Type header value names an HTML or
// XHTML document.
func IsHTMLLike(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// fall back to a prefix check for sloppy headers like "text/html;"
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
