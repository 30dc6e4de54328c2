package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstance_NewIsNotExists(t *testing.T) {
	i := New("User", "abc")
	require.False(t, i.Exists())
}

func TestInstance_SetOverridesStored(t *testing.T) {
	i := FromStored("User", "abc", map[string]any{"status": "active"})
	v, ok := i.Get("status")
	require.True(t, ok)
	require.Equal(t, "active", v)

	i.Set("status", "inactive")
	v, ok = i.Get("status")
	require.True(t, ok)
	require.Equal(t, "inactive", v)

	changes := i.Changes()
	require.Equal(t, "inactive", changes["status"])

	i.ClearChanges()
	require.Empty(t, i.Changes())
}

func TestInstance_RelationNilVsUnloaded(t *testing.T) {
	i := New("Post", "p1")
	_, ok := i.Relation("author")
	require.False(t, ok)

	i.SetRelation("author", nil)
	related, ok := i.Relation("author")
	require.True(t, ok)
	require.Nil(t, related)
}

func TestCapacity_DescendantToggle(t *testing.T) {
	i := New("User", "abc")
	i.AddCapacity(1, 0, false)
	i.AddCapacity(2, 0, true)

	got := i.ConsumedCapacity()
	require.Equal(t, 1.0, got.Read)
	require.Equal(t, 3.0, got.ReadDescendants)
}
