package cachehtml

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// BlinkCohort is the property cache cohort holding the cached render record.
	BlinkCohort = "blink"
	// RewriterInfoProperty is the property the record is stored in.
	RewriterInfoProperty = "cache_html_rewriter_info"
)

var ErrMalformedRecord = errors.New("malformed cached render record")

// Record is the persisted rendition of one page, together with the content
// hashes of the origin response it was computed from.
//
// A Record handed to the serving path is never modified. Updates build a
// new value and write it back.
type Record struct {
	RenderedHTML     []byte
	ContentHash      string
	SmartDiffHash    string
	Charset          string
	HasCharset       bool
	LastComputedAtMs int64
}

const (
	fieldRenderedHTML  protowire.Number = 1
	fieldContentHash   protowire.Number = 2
	fieldSmartDiffHash protowire.Number = 3
	fieldCharset       protowire.Number = 4
	fieldComputedAt    protowire.Number = 5
)

// ComputedAt returns the time of the computation that produced the record.
func (r Record) ComputedAt() time.Time {
	return time.UnixMilli(r.LastComputedAtMs)
}

// Expired reports whether the record is older than ttl at now.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.ComputedAt()) > ttl
}

// Marshal encodes the record in protocol buffer wire format.
func (r Record) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRenderedHTML, protowire.BytesType)
	b = protowire.AppendBytes(b, r.RenderedHTML)
	if r.ContentHash != "" {
		b = protowire.AppendTag(b, fieldContentHash, protowire.BytesType)
		b = protowire.AppendString(b, r.ContentHash)
	}
	if r.SmartDiffHash != "" {
		b = protowire.AppendTag(b, fieldSmartDiffHash, protowire.BytesType)
		b = protowire.AppendString(b, r.SmartDiffHash)
	}
	if r.HasCharset {
		b = protowire.AppendTag(b, fieldCharset, protowire.BytesType)
		b = protowire.AppendString(b, r.Charset)
	}
	if r.LastComputedAtMs != 0 {
		b = protowire.AppendTag(b, fieldComputedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.LastComputedAtMs))
	}
	return b
}

// UnmarshalRecord decodes a record written by Marshal. Unknown fields are
// skipped.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, malformed(n)
		}
		b = b[n:]
		switch {
		case num == fieldRenderedHTML && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			r.RenderedHTML, b = append([]byte(nil), v...), b[n:]
		case num == fieldContentHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			r.ContentHash, b = v, b[n:]
		case num == fieldSmartDiffHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			r.SmartDiffHash, b = v, b[n:]
		case num == fieldCharset && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			r.Charset, r.HasCharset, b = v, true, b[n:]
		case num == fieldComputedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			r.LastComputedAtMs, b = int64(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, malformed(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
}
