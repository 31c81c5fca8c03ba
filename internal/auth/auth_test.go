package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_Permissions(t *testing.T) {
	tests := []struct {
		role    Role
		canEdit bool
		canView bool
	}{
		{RoleOwner, true, true},
		{RoleEditor, true, true},
		{RoleViewer, false, true},
		{"", false, false},
		{"admin", false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.canEdit, tt.role.CanEdit())
			assert.Equal(t, tt.canView, tt.role.CanView())
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Editor ")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, r)

	_, err = ParseRole("admin")
	assert.Error(t, err)
}

func TestACL_CloneIsIndependent(t *testing.T) {
	acl := ACL{"alice": RoleOwner}
	c := acl.Clone()
	c["bob"] = RoleViewer

	assert.Equal(t, Role(""), acl.RoleOf("bob"))
	assert.Equal(t, RoleViewer, c.RoleOf("bob"))
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]Actor{
		"tok-a": {ID: "alice", Name: "Alice"},
		"tok-b": {ID: "bob"},
	})

	a, err := r.Resolve("tok-a")
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "alice", Name: "Alice"}, a)

	b, err := r.Resolve("tok-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", b.Name, "name defaults to id")

	_, err = r.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
