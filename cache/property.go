package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedCohort is returned when a stored cohort blob cannot be decoded.
var ErrMalformedCohort = errors.New("malformed cohort blob")

// Cohort is a named group of properties that are read and written together.
type Cohort struct {
	name string
}

func (c *Cohort) Name() string {
	return c.name
}

// PropertyValue is one property of a page. A value without data is
// returned for properties that were never written.
type PropertyValue struct {
	mu       sync.Mutex
	value    []byte
	hasValue bool
}

func (v *PropertyValue) HasValue() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasValue
}

// Value returns the stored bytes. The slice must not be modified.
func (v *PropertyValue) Value() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

func (v *PropertyValue) set(b []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = append([]byte(nil), b...)
	v.hasValue = true
}

// Page holds the properties of one page key, as read by one request.
type Page struct {
	key string

	mu      sync.Mutex
	cohorts map[string]map[string]*PropertyValue
}

func newPage(key string) *Page {
	return &Page{
		key:     key,
		cohorts: make(map[string]map[string]*PropertyValue),
	}
}

func (p *Page) Key() string {
	return p.key
}

// GetProperty returns the named property, creating an empty value if the
// page does not have it yet.
func (p *Page) GetProperty(cohort *Cohort, name string) *PropertyValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	props := p.cohorts[cohort.name]
	if props == nil {
		props = make(map[string]*PropertyValue)
		p.cohorts[cohort.name] = props
	}
	v := props[name]
	if v == nil {
		v = &PropertyValue{}
		props[name] = v
	}
	return v
}

func (p *Page) DeleteProperty(cohort *Cohort, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cohorts[cohort.name], name)
}

// Property returns the bytes of a property by cohort name, if present.
func (p *Page) Property(cohort, name string) ([]byte, bool) {
	p.mu.Lock()
	v := p.cohorts[cohort][name]
	p.mu.Unlock()
	if v == nil || !v.HasValue() {
		return nil, false
	}
	return v.Value(), true
}

func (p *Page) cohortValues(cohort string) map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	values := make(map[string][]byte)
	for name, v := range p.cohorts[cohort] {
		if v.HasValue() {
			values[name] = v.Value()
		}
	}
	return values
}

// PropertyCache reads and writes pages through a backend. Each cohort of a
// page is stored as one blob under "<cohort>/<page key>".
type PropertyCache struct {
	backend Backend
	group   singleflight.Group

	mu      sync.RWMutex
	cohorts map[string]*Cohort
	order   []string
}

func NewPropertyCache(backend Backend) *PropertyCache {
	return &PropertyCache{
		backend: backend,
		cohorts: make(map[string]*Cohort),
	}
}

// AddCohort registers a cohort. Adding a known cohort returns the existing one.
func (c *PropertyCache) AddCohort(name string) *Cohort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cohort, ok := c.cohorts[name]; ok {
		return cohort
	}
	cohort := &Cohort{name: name}
	c.cohorts[name] = cohort
	c.order = append(c.order, name)
	return cohort
}

// GetCohort returns a registered cohort or nil.
func (c *PropertyCache) GetCohort(name string) *Cohort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cohorts[name]
}

func (c *PropertyCache) cohortNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Read loads all registered cohorts of a page. Concurrent reads of the same
// key share one backend round trip, but every caller gets its own Page.
// Cohorts that fail to decode are left empty and reported in the error
// alongside the usable page.
func (c *PropertyCache) Read(ctx context.Context, key string) (*Page, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.readBlobs(context.WithoutCancel(ctx), key)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	page := newPage(key)
	var errs []error
	for cohort, blob := range res.Val.(map[string][]byte) {
		values, err := decodeCohort(blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("cohort %s of %s: %w", cohort, key, err))
			continue
		}
		props := make(map[string]*PropertyValue, len(values))
		for name, value := range values {
			props[name] = &PropertyValue{value: value, hasValue: true}
		}
		page.cohorts[cohort] = props
	}
	return page, errors.Join(errs...)
}

func (c *PropertyCache) readBlobs(ctx context.Context, key string) (map[string][]byte, error) {
	blobs := make(map[string][]byte)
	for _, cohort := range c.cohortNames() {
		b, ok, err := c.backend.Get(ctx, storageKey(cohort, key))
		if err != nil {
			return nil, err
		}
		if ok {
			blobs[cohort] = b
		}
	}
	return blobs, nil
}

// UpdateValue sets the bytes of a property value. The change is persisted
// by the next WriteCohort of the owning page.
func (c *PropertyCache) UpdateValue(bytes []byte, value *PropertyValue) {
	value.set(bytes)
}

// WriteCohort persists one cohort of a page. A cohort without properties is
// removed from the backend.
func (c *PropertyCache) WriteCohort(ctx context.Context, cohort *Cohort, page *Page) error {
	values := page.cohortValues(cohort.name)
	key := storageKey(cohort.name, page.key)
	if len(values) == 0 {
		return c.backend.Delete(ctx, key)
	}
	return c.backend.Put(ctx, key, encodeCohort(values))
}

// DeletePage removes every registered cohort of a page.
func (c *PropertyCache) DeletePage(ctx context.Context, key string) error {
	for _, cohort := range c.cohortNames() {
		if err := c.backend.Delete(ctx, storageKey(cohort, key)); err != nil {
			return err
		}
	}
	return nil
}

func storageKey(cohort, key string) string {
	return cohort + "/" + key
}

// Cohort blobs are a sequence of field 1 entries, each entry holding the
// property name in field 1 and its bytes in field 2.
func encodeCohort(values map[string][]byte) []byte {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var b []byte
	for _, name := range names {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, values[name])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func decodeCohort(b []byte) (map[string][]byte, error) {
	values := make(map[string][]byte)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
		}
		b = b[n:]
		name, value, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

func decodeEntry(b []byte) (string, []byte, error) {
	var name string
	var value []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
			}
			name, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
			}
			value, b = append([]byte(nil), v...), b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformedCohort, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return name, value, nil
}

// NewPage returns an empty page for key, for writing a page that could not
// be read.
func (c *PropertyCache) NewPage(key string) *Page {
	return newPage(key)
}
