package unionfind

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionFind_UnionAndConnected(t *testing.T) {
	u := New()
	u.Union("a", "b")
	u.Union("b", "c")
	u.Add("d")

	connected, err := u.Connected("a", "c")
	require.NoError(t, err)
	assert.True(t, connected)

	connected, err = u.Connected("a", "d")
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestUnionFind_FindUnknownElement(t *testing.T) {
	u := New()
	_, err := u.Find("missing")
	require.Error(t, err)
	var notFound *ErrElementNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Element)
}

func TestUnionFind_GetGroupsRespectsMinSize(t *testing.T) {
	u := New()
	u.Union("a", "b")
	u.Add("solo")

	groups := u.GetGroups(2)
	require.Len(t, groups, 1)
	sort.Strings(groups[0])
	assert.Equal(t, []string{"a", "b"}, groups[0])
}

func TestUnionFind_PathCompressionPreservesConnectivity(t *testing.T) {
	u := New()
	// Build a long chain: 0-1-2-3-...-99.
	for i := 0; i < 99; i++ {
		u.Union(itoa(i), itoa(i+1))
	}
	root0, err := u.Find(itoa(0))
	require.NoError(t, err)
	root99, err := u.Find(itoa(99))
	require.NoError(t, err)
	assert.Equal(t, root0, root99)
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}
