// Package pagination implements keyset cursors over (timestamp, id) pairs.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for anything Encode did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the key of the last row a caller has seen.
type Cursor struct {
	At time.Time
	ID string
}

// At returns the cursor positioned on a row.
func At(at time.Time, id string) *Cursor {
	return &Cursor{At: at.UTC(), ID: id}
}

// Encode returns the opaque form handed to API clients.
func (c *Cursor) Encode() string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means "from the start" and
// yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Precedes reports whether a row keyed (at, id) sorts before c in ascending
// (at, id) order.
func (c *Cursor) Precedes(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Follows reports whether a row keyed (at, id) sorts after c in ascending
// (at, id) order.
func (c *Cursor) Follows(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return id > c.ID
}

// ComputePage trims items fetched with limit+1 down to limit and returns the
// cursor of the last kept item when more remain.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, *Cursor) {
	if limit <= 0 || len(items) <= limit {
		return items, nil
	}
	items = items[:limit]
	return items, At(key(items[len(items)-1]))
}
