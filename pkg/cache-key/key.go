// Package cachekey derives the page identity under which the properties of
// a page are stored.
package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	originSeparator  = ":"
	variantSeparator = "\t"
)

type Keyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Key prefix for this origin
	OriginPrefix string
}

func NewKeyer(originId string) Keyer {
	return Keyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// PageKey returns the key for the page requested by r. If the request has
// a `Cache-Key` header, that value selects a variant of the page.
func (k Keyer) PageKey(r *http.Request) string {
	key := k.OriginPrefix + r.URL.RequestURI()
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += variantSeparator + ck
	}
	return key
}

// KeyForURI returns the key of the default variant of a request URI.
func (k Keyer) KeyForURI(uri string) (string, error) {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return "", fmt.Errorf("invalid request uri %q: %w", uri, err)
	}
	return k.OriginPrefix + u.RequestURI(), nil
}

// uriFromKey returns the request URI a key was derived from.
func (k Keyer) uriFromKey(key string) (string, error) {
	if !strings.HasPrefix(key, k.OriginPrefix) {
		return "", fmt.Errorf("Key and origin do not match")
	}
	uri, _, _ := strings.Cut(strings.TrimPrefix(key, k.OriginPrefix), variantSeparator)
	return uri, nil
}
