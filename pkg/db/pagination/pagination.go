package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

var errCursorPosition = errors.New("cursor position must be positive")

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=10" binding:"gte=0,lte=250"`
}

// Size is the page size actually served.
func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	}
	return p.Limit
}

// Cursor points at the last row of the previous page. Rows are ordered by a
// per-member sequence, so the position alone identifies the boundary.
type Cursor struct {
	Position int64 `json:"pos"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(c Cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	if cursor.Position <= 0 {
		return nil, errCursorPosition
	}

	return &cursor, nil
}

// Page trims rows fetched with one extra element down to size and reports
// whether another page follows.
func Page[T any](rows []*T, size int, at func(*T) Cursor) ([]*T, *PageInfo) {
	if len(rows) <= size {
		return rows, &PageInfo{}
	}

	rows = rows[:size]
	return rows, &PageInfo{
		HasMore:    true,
		NextCursor: EncodeCursor(at(rows[len(rows)-1])),
	}
}
