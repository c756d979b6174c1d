// Package stream reads FHIR Bundles entry by entry, so terminology bundles of
// any size can be loaded without decoding the whole document at once.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Entry is one bundle entry.
type Entry struct {
	// Index is the position of the entry in the bundle; -1 for errors that
	// concern the bundle itself.
	Index int

	FullURL      string
	ResourceType string
	ResourceID   string

	// Resource is the raw resource JSON.
	Resource json.RawMessage

	// Error is set when the entry could not be decoded.
	Error error
}

// Reader streams bundle entries, optionally keeping only some resource types.
type Reader struct {
	types      map[string]bool
	bufferSize int
}

// NewReader creates a reader. With no types every entry is emitted.
func NewReader(types ...string) *Reader {
	r := &Reader{bufferSize: 16}
	if len(types) > 0 {
		r.types = make(map[string]bool, len(types))
		for _, t := range types {
			r.types[t] = true
		}
	}
	return r
}

// WithBufferSize sets the channel buffer size.
func (r *Reader) WithBufferSize(size int) *Reader {
	if size > 0 {
		r.bufferSize = size
	}
	return r
}

// Entries decodes the bundle from in and emits its entries in document order.
// The channel is closed at the end of the bundle, on a bundle-level error or
// when ctx is done.
func (r *Reader) Entries(ctx context.Context, in io.Reader) <-chan *Entry {
	out := make(chan *Entry, r.bufferSize)

	go func() {
		defer close(out)
		emit := func(e *Entry) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) {
			emit(&Entry{Index: -1, Error: fmt.Errorf(format, args...)})
		}

		dec := json.NewDecoder(in)
		tok, err := dec.Token()
		if err != nil {
			fail("failed to read bundle: %w", err)
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			fail("expected object start, got %v", tok)
			return
		}

		for dec.More() {
			if ctx.Err() != nil {
				emit(&Entry{Index: -1, Error: ctx.Err()})
				return
			}
			tok, err := dec.Token()
			if err != nil {
				fail("failed to read field: %w", err)
				return
			}
			field, _ := tok.(string)
			switch field {
			case "entry":
				r.entries(ctx, dec, emit)
				return
			case "resourceType":
				var rt string
				if err := dec.Decode(&rt); err != nil {
					fail("failed to read resourceType: %w", err)
					return
				}
				if rt != "Bundle" {
					fail("expected a Bundle, got %s", rt)
					return
				}
			default:
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					fail("failed to skip field %s: %w", field, err)
					return
				}
			}
		}
	}()

	return out
}

type rawEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func (r *Reader) entries(ctx context.Context, dec *json.Decoder, emit func(*Entry) bool) {
	tok, err := dec.Token()
	if err != nil {
		emit(&Entry{Index: -1, Error: fmt.Errorf("failed to read entry array: %w", err)})
		return
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		emit(&Entry{Index: -1, Error: fmt.Errorf("expected array start, got %v", tok)})
		return
	}

	for index := 0; dec.More(); index++ {
		if ctx.Err() != nil {
			emit(&Entry{Index: -1, Error: ctx.Err()})
			return
		}

		var raw rawEntry
		if err := dec.Decode(&raw); err != nil {
			// The decoder cannot resynchronize after a syntax error.
			emit(&Entry{Index: index, Error: fmt.Errorf("failed to decode entry %d: %w", index, err)})
			return
		}
		if len(raw.Resource) == 0 {
			continue
		}

		var h resourceHeader
		if err := json.Unmarshal(raw.Resource, &h); err != nil {
			if !emit(&Entry{Index: index, FullURL: raw.FullURL, Error: fmt.Errorf("entry %d: %w", index, err)}) {
				return
			}
			continue
		}
		if r.types != nil && !r.types[h.ResourceType] {
			continue
		}
		if !emit(&Entry{
			Index:        index,
			FullURL:      raw.FullURL,
			ResourceType: h.ResourceType,
			ResourceID:   h.ID,
			Resource:     raw.Resource,
		}) {
			return
		}
	}
}

// Stats summarizes a drained stream.
type Stats struct {
	Entries int
	Errors  []error
}

// Drain calls fn for every entry without an error and collects errors, both
// decoding errors and those returned by fn.
func Drain(entries <-chan *Entry, fn func(*Entry) error) Stats {
	var s Stats
	for e := range entries {
		if e.Error != nil {
			s.Errors = append(s.Errors, e.Error)
			continue
		}
		s.Entries++
		if err := fn(e); err != nil {
			s.Errors = append(s.Errors, fmt.Errorf("entry %d (%s/%s): %w", e.Index, e.ResourceType, e.ResourceID, err))
		}
	}
	return s
}
