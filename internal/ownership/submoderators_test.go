package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromoteRequiresOwner(t *testing.T) {
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, nil)

	changed, authorized := subs.Promote("s1", "u2", "u3")
	assert.False(t, changed)
	assert.False(t, authorized)

	changed, authorized = subs.Promote("s1", "u1", "u3")
	assert.True(t, changed)
	assert.True(t, authorized)
	assert.True(t, subs.IsModerator("s1", "u3"))

	changed, _ = subs.Promote("s1", "u1", "u3")
	assert.False(t, changed, "already promoted")
}

func TestOwnerIsImplicitModerator(t *testing.T) {
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, nil)

	assert.True(t, subs.IsModerator("s1", "u1"))
	assert.False(t, subs.IsSubmoderator("s1", "u1"))

	changed, authorized := subs.Promote("s1", "u1", "u1")
	assert.True(t, authorized)
	assert.False(t, changed)
	assert.Empty(t, subs.List("s1"))
}

func TestOwnerCannotBeDemoted(t *testing.T) {
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, nil)

	changed, authorized := subs.Demote("s1", "u1", "u1")
	assert.True(t, authorized)
	assert.False(t, changed)
	assert.True(t, subs.IsModerator("s1", "u1"))
}

func TestDemoteDropsEmptySet(t *testing.T) {
	saver := &countingSaver{}
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, saver)

	subs.Promote("s1", "u1", "u2")
	changed, _ := subs.Demote("s1", "u1", "u2")
	assert.True(t, changed)
	assert.Empty(t, subs.Sessions())
	assert.Equal(t, 2, saver.n)

	changed, authorized := subs.Demote("s1", "u2", "u1")
	assert.False(t, changed)
	assert.False(t, authorized)
}

func TestSubmoderatorsSurviveOwnershipChange(t *testing.T) {
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, nil)
	subs.Promote("s1", "u1", "u2")

	owners.Transfer("s1", "u1", "u3", false)
	assert.True(t, subs.IsModerator("s1", "u2"))
	assert.False(t, subs.IsModerator("s1", "u1"))
	assert.True(t, subs.IsModerator("s1", "u3"))
}

func TestSubmoderatorsExportImport(t *testing.T) {
	owners := NewRegistry(nil)
	owners.Register("s1", "u1")
	subs := NewSubmoderators(owners, nil)
	subs.Promote("s1", "u1", "u3")
	subs.Promote("s1", "u1", "u2")

	restored := NewSubmoderators(owners, nil)
	restored.Import(subs.Export())
	assert.Equal(t, []string{"u2", "u3"}, restored.List("s1"))
	assert.True(t, restored.Purge("s1"))
	assert.False(t, restored.Purge("s1"))
}
