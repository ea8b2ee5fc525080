// Package wireurl parses and rotates the eFTL "URL form" connect address
// list (spec.md §6): a pipe-separated list of ws:// or wss:// endpoints the
// session tries in order, shuffled once at startup and rotated forward on
// every failed attempt, the way eftl.c's "url list" does.
package wireurl

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
)

// List is a rotating, optionally-shuffled set of candidate server URLs.
type List struct {
	urls []string
	next int
}

// Parse splits a pipe-separated URL-form string into a List, validating
// that each entry parses as a ws:// or wss:// URL.
func Parse(form string) (*List, error) {
	parts := strings.Split(form, "|")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("wireurl: invalid url %q: %w", p, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("wireurl: unsupported scheme %q in %q", u.Scheme, p)
		}
		urls = append(urls, p)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("wireurl: no urls in %q", form)
	}
	return &List{urls: urls}, nil
}

// Shuffle randomizes the try order once, at session creation, so that many
// clients started at once don't all hammer the first URL in the list.
func (l *List) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(l.urls), func(i, j int) {
		l.urls[i], l.urls[j] = l.urls[j], l.urls[i]
	})
}

// Current returns the URL the next connect attempt should use.
func (l *List) Current() string {
	return l.urls[l.next]
}

// Advance rotates to the next URL in the list, wrapping around, for use
// after a failed connect attempt.
func (l *List) Advance() {
	l.next = (l.next + 1) % len(l.urls)
}

// Len reports how many candidate URLs are in the list.
func (l *List) Len() int {
	return len(l.urls)
}
