package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2024-03-01T00:00:00Z"})
	require.NoError(t, err)

	got, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "2024-03-01T00:00:00Z", got.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("!!!")
	assert.Error(t, err)

	// Valid base64 that is not a cursor document.
	_, err = DecodeCursor("bm90IGpzb24=")
	assert.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ id string }
	rows := []row{{"a"}, {"b"}, {"c"}}

	page, info := BuildCursorPageInfo(rows, 2, func(r row) string { return r.id })
	assert.True(t, info.HasMore)
	assert.Equal(t, "b", info.NextPageToken)
	assert.Len(t, page, 2)

	page, info = BuildCursorPageInfo(rows, 5, func(r row) string { return r.id })
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
	assert.Len(t, page, 3)

	page, info = BuildCursorPageInfo(nil, 5, func(r row) string { return r.id })
	assert.False(t, info.HasMore)
	assert.Empty(t, page)
}
