package htmldetector

import (
	"strings"
	"testing"
)

func TestDetectsHTML(t *testing.T) {
	var d Detector
	if !d.ConsiderInput([]byte("<!doctype html><html>")) {
		t.Fatal("Expected decision on first chunk")
	}
	if !d.ProbableHTML() {
		t.Fatal("Expected probable html")
	}
}

func TestDetectsNonHTML(t *testing.T) {
	var d Detector
	d.ConsiderInput([]byte(`{"json": true}`))
	if !d.AlreadyDecided() || d.ProbableHTML() {
		t.Fatal("JSON detected as html")
	}
}

func TestBuffersLeadingWhitespace(t *testing.T) {
	var d Detector
	if d.ConsiderInput([]byte("\xef\xbb\xbf  \n")) {
		t.Fatal("Decided on whitespace only")
	}
	if d.ConsiderInput([]byte("\t")) {
		t.Fatal("Decided on whitespace only")
	}
	if !d.ConsiderInput([]byte("<html>")) || !d.ProbableHTML() {
		t.Fatal("Expected probable html after whitespace")
	}
	buf := d.ReleaseBuffered([]byte("x"))
	if string(buf) != "x\xef\xbb\xbf  \n\t" {
		t.Fatalf("Released %q", buf)
	}
	if buf := d.ReleaseBuffered(nil); len(buf) != 0 {
		t.Fatalf("Buffer not cleared: %q", buf)
	}
}

func TestGivesUpOnLongWhitespace(t *testing.T) {
	var d Detector
	if !d.ConsiderInput([]byte(strings.Repeat(" ", MaxUndecided+1))) {
		t.Fatal("Expected decision after bounded prefix")
	}
	if d.ProbableHTML() {
		t.Fatal("Whitespace detected as html")
	}
}

func TestIsHTMLLike(t *testing.T) {
	cases := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/xhtml+xml", true},
		{"text/html;", true},
		{"text/plain", false},
		{"application/json", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsHTMLLike(c.contentType); got != c.want {
			t.Errorf("IsHTMLLike(%q) = %v", c.contentType, got)
		}
	}
}
