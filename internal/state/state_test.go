package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/store"
)

var _ frame.MapSink = (*Board)(nil)

func TestBoardInMemory(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)

	var changes []Marker
	b.OnChange(func(m Marker) { changes = append(changes, m) })

	_, ok := b.Lookup("a")
	assert.False(t, ok)

	require.NoError(t, b.CreateMarker("a", "Alpha", 1, 2, "a-f-G"))
	require.NoError(t, b.UpdateMarkerPosition("a", 3, 4))
	assert.Error(t, b.UpdateMarkerPosition("missing", 0, 0))
	assert.Error(t, b.CreateMarker("", "x", 0, 0, "t"))

	ev, ok := b.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, frame.Event{ID: "a", DisplayName: "Alpha", Lat: 3, Lon: 4, Classification: "a-f-G"}, ev)
	assert.Len(t, changes, 2)
	assert.Equal(t, 1, b.Count())
}

func TestBoardPersistsAndHydrates(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(db))

	b, err := New(db)
	require.NoError(t, err)
	require.NoError(t, b.CreateMarker("z", "Zulu", 10, 20, "a-h-G-U-T"))
	require.NoError(t, b.CreateMarker("m", "Mike", 1, 1, "a-h-G-U-T"))
	require.NoError(t, b.UpdateMarkerPosition("z", 11, 21))

	again, err := New(db)
	require.NoError(t, err)
	list := again.ListMarkers()
	require.Len(t, list, 2)
	assert.Equal(t, "m", list[0].ID)
	assert.Equal(t, 11.0, list[1].Lat)
	assert.Equal(t, "Zulu", list[1].DisplayName)
}
