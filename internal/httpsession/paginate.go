package httpsession

import (
	"context"
	"iter"
	"net/url"
)

// Page is one decoded page of a listing. Next is the path or absolute URL of
// the following page; empty ends the listing.
type Page[T any] struct {
	Items []T
	Next  string
}

// PageDecoder decodes a response body fetched from current
type PageDecoder[T any] func(body []byte, current *url.URL) (Page[T], error)

// Paginate lazily walks a listing, yielding items across pages as one flat
// sequence. Iteration stops at the first error, which is yielded once.
func Paginate[T any](ctx context.Context, s *Session, path string, decode PageDecoder[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		next := path
		seen := map[string]bool{}
		for next != "" {
			target := s.URL(next)
			if seen[target] {
				return
			}
			seen[target] = true

			resp, err := s.Do(ctx, "GET", target, nil)
			if err != nil {
				yield(zero, err)
				return
			}
			current, err := url.Parse(target)
			if err != nil {
				yield(zero, err)
				return
			}
			page, err := decode(resp.Body, current)
			if err != nil {
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			next = page.Next
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// WithQuery returns u's path and query with key set to value
func WithQuery(u *url.URL, key, value string) string {
	q := u.Query()
	q.Set(key, value)
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}
