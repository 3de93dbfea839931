// Package pagination encodes keyset cursors for newest-first listings
// ordered by (created_at DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Parse for tokens it did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the sort key of the last row a client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String returns the opaque token handed to clients.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse reverses String.
func Parse(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items   []T
	Next    string
	HasMore bool
}

// Trim turns rows fetched with limit+1 into a page. The extra row only
// signals that another page exists; Next points at the last kept row.
func Trim[T any](rows []T, limit int, key func(T) Cursor) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	return Page[T]{
		Items:   rows,
		Next:    key(rows[len(rows)-1]).String(),
		HasMore: true,
	}
}
