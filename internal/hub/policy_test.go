package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewerPolicy_Default(t *testing.T) {
	p, err := NewViewerPolicy(DefaultConfig().ViewerPolicy)
	require.NoError(t, err)

	tests := []struct {
		name    string
		viewer  string
		roles   []string
		subject string
		want    bool
	}{
		{"owner", "alice", nil, "alice", true},
		{"stranger", "bob", nil, "alice", false},
		{"admin", "coach", []string{"admin"}, "alice", true},
		{"other role", "bob", []string{"member"}, "alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Allows(tt.viewer, tt.roles, tt.subject))
		})
	}
}

func TestViewerPolicy_Custom(t *testing.T) {
	p, err := NewViewerPolicy(`"coach" in roles && subject.startsWith("team-")`)
	require.NoError(t, err)
	assert.True(t, p.Allows("c1", []string{"coach"}, "team-alice"))
	assert.False(t, p.Allows("c1", []string{"coach"}, "alice"))
	assert.Equal(t, `"coach" in roles && subject.startsWith("team-")`, p.String())
}

func TestViewerPolicy_Invalid(t *testing.T) {
	_, err := NewViewerPolicy(`principal ==`)
	assert.Error(t, err)

	_, err = NewViewerPolicy(`principal`)
	assert.ErrorContains(t, err, "bool")

	_, err = NewViewerPolicy(`unknownVar == "x"`)
	assert.Error(t, err)
}
