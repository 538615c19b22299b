package rewriter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// VisibleTextEndMarker separates the two segments written by the visible
// text filter: first the smart diff text, then the full document.
const VisibleTextEndMarker = "<!--cachehtml:visible-text-end-->"

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Param: true, atom.Source: true,
	atom.Track: true, atom.Wbr: true,
}

// elements whose text is never shown to the user
var hiddenTextElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
}

func (d *Driver) render(input []byte) ([]byte, error) {
	opts := d.options
	if d.flushingCachedHTML {
		opts.RemoveComments = false
		opts.StripNonCacheable = false
		opts.ComputeVisibleText = false
	}

	var out bytes.Buffer
	var text []string
	attr := opts.nonCacheableAttr()
	hintsWritten := len(d.criticalImages) == 0
	// depth inside a stripped element, 0 when not stripping
	skip := 0
	hidden := 0

	z := html.NewTokenizer(bytes.NewReader(input))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			break
		}
		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()

		switch tt {
		case html.StartTagToken:
			if skip > 0 {
				if !voidElements[tok.DataAtom] {
					skip++
				}
				continue
			}
			if opts.StripNonCacheable && hasAttr(tok, attr) {
				if !voidElements[tok.DataAtom] {
					skip = 1
				}
				continue
			}
			if hiddenTextElements[tok.DataAtom] {
				hidden++
			}
			out.Write(raw)
			if !hintsWritten && tok.DataAtom == atom.Head {
				writeCriticalImageHints(&out, d.criticalImages)
				hintsWritten = true
			}
		case html.SelfClosingTagToken:
			if skip > 0 || (opts.StripNonCacheable && hasAttr(tok, attr)) {
				continue
			}
			out.Write(raw)
		case html.EndTagToken:
			if skip > 0 {
				if !voidElements[tok.DataAtom] {
					skip--
				}
				continue
			}
			if hiddenTextElements[tok.DataAtom] && hidden > 0 {
				hidden--
			}
			out.Write(raw)
		case html.CommentToken:
			if skip > 0 || opts.RemoveComments {
				continue
			}
			out.Write(raw)
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if opts.ComputeVisibleText && hidden == 0 {
				text = append(text, strings.Fields(tok.Data)...)
			}
			out.Write(raw)
		default:
			if skip > 0 {
				continue
			}
			out.Write(raw)
		}
	}

	if !opts.ComputeVisibleText {
		return out.Bytes(), nil
	}
	var result bytes.Buffer
	result.WriteString(strings.Join(text, " "))
	result.WriteString(VisibleTextEndMarker)
	result.Write(out.Bytes())
	return result.Bytes(), nil
}

// streamNonCacheablePanels reduces a live page to the elements carrying the
// non-cacheable attribute, each wrapped in a panel loader call and written
// to w as soon as it closes. The rest of the page has already been served
// from the cache.
func (d *Driver) streamNonCacheablePanels(r io.Reader, w io.Writer) error {
	var panel bytes.Buffer
	attr := d.options.nonCacheableAttr()
	limit := d.options.maxPanelSize()
	depth := 0
	count := 0
	oversized := false
	var id string

	z := html.NewTokenizer(r)
	z.SetMaxBuf(limit)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return err
			}
			return nil
		}

		if depth == 0 {
			if tt != html.StartTagToken {
				continue
			}
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			if voidElements[tok.DataAtom] || !hasAttr(tok, attr) {
				continue
			}
			depth = 1
			id = attrValue(tok, attr)
			if id == "" {
				id = fmt.Sprintf("panel-%d", count)
			}
			count++
			oversized = false
			panel.Reset()
			panel.Write(raw)
			continue
		}

		raw := z.Raw()
		if !oversized {
			if panel.Len()+len(raw) > limit {
				d.log.Warn().Str("url", d.url).Str("panel", id).Msg("Non-cacheable panel too large, dropping")
				oversized = true
				panel.Reset()
			} else {
				panel.Write(raw)
			}
		}
		switch tt {
		case html.StartTagToken:
			if name, _ := z.TagName(); !voidElements[atom.Lookup(name)] {
				depth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); !voidElements[atom.Lookup(name)] {
				depth--
			}
		}
		if depth == 0 && !oversized {
			if err := writePanel(w, id, panel.Bytes()); err != nil {
				return err
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
		}
	}
}

func writePanel(out io.Writer, id string, instanceHTML []byte) error {
	payload, err := json.Marshal(map[string]map[string]string{
		id: {"instance_html": string(instanceHTML)},
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "<script type=\"text/javascript\">pagespeed.panelLoader.loadNonCacheableObject(%s);</script>\n", payload)
	return err
}

func writeCriticalImageHints(out *bytes.Buffer, images []string) {
	for _, src := range images {
		fmt.Fprintf(out, `<link rel="preload" as="image" href="%s">`, html.EscapeString(src))
	}
}

func hasAttr(tok html.Token, key string) bool {
	for _, a := range tok.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attrValue(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// DetermineCharset returns the charset of a response: the Content-Type
// parameter if present, otherwise one implied by a byte order mark at the
// start of body. It returns "" when neither says anything.
func DetermineCharset(contentType string, body []byte) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return cs
		}
	}
	if len(body) == 0 {
		return ""
	}
	if _, name, certain := charset.DetermineEncoding(body, ""); certain {
		return name
	}
	return ""
}
