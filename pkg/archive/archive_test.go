package archive

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndLatest(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.Record("<p>one</p>"))
	require.NoError(t, a.Record("<p>two</p>"))

	latest, err := a.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "<p>two</p>", latest.Content)
	assert.Equal(t, len("<p>two</p>"), latest.ByteSize)
	assert.False(t, latest.SavedAt.IsZero())

	count, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLatestOnEmptyArchive(t *testing.T) {
	a := newTestArchive(t)

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRecordSkipsIdenticalContent(t *testing.T) {
	a := newTestArchive(t)

	require.NoError(t, a.Record("<p>same</p>"))
	require.NoError(t, a.Record("<p>same</p>"))

	count, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordPrunesHistory(t *testing.T) {
	a := newTestArchive(t)
	a.keep = 3

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(fmt.Sprintf("<p>rev %d</p>", i)))
	}

	count, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Equal(t, "<p>rev 4</p>", latest.Content)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Record("<p>kept across reopen</p>"))
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	latest, err := second.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "<p>kept across reopen</p>", latest.Content)
}
