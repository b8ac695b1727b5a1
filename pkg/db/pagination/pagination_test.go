package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	dec, err := DecodeCursor(EncodeCursor(Cursor{Position: 42}))
	require.NoError(t, err)
	require.Equal(t, int64(42), dec.Position)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)

	_, err = DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte(`{"pos":0}`)))
	require.Error(t, err)
}

func TestSize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Size())
	require.Equal(t, 25, Pagination{Limit: 25}.Size())
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Size())
}

func TestPage(t *testing.T) {
	items := []*int64{ptr(3), ptr(2), ptr(1)}
	at := func(v *int64) Cursor { return Cursor{Position: *v} }

	rows, info := Page(items, 2, at)
	require.Len(t, rows, 2)
	require.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Position)

	rows, info = Page(items, 5, at)
	require.Len(t, rows, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

func ptr(v int64) *int64 { return &v }
