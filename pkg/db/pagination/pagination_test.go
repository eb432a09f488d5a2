package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageNormalize(t *testing.T) {
	p := Page{Page: 0, PageSize: 0}.Normalize()
	require.Equal(t, 1, p.Page)
	require.Equal(t, DefaultPageSize, p.PageSize)

	p = Page{Page: 3, PageSize: 1000}.Normalize()
	require.Equal(t, MaxPageSize, p.PageSize)
	require.Equal(t, 200, Page{Page: 3, PageSize: 1000}.Offset())
}

func TestTotalPages(t *testing.T) {
	require.Equal(t, 0, TotalPages(0, 5))
	require.Equal(t, 1, TotalPages(5, 5))
	require.Equal(t, 2, TotalPages(6, 5))
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "txn_01", CreatedAt: "2026-10-01T00:00:00Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, "txn_01", cursor.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"a"}, {"b"}, {"c"}}

	trimmed, info := BuildCursorPageInfo(rows, 2, func(r *row) string { return r.id })
	require.Len(t, trimmed, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "b", info.NextPageToken)

	trimmed, info = BuildCursorPageInfo(rows, 5, func(r *row) string { return r.id })
	require.Len(t, trimmed, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextPageToken)
}
