package setstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemSetStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "sets.json")
	require.NoError(os.WriteFile(p, []byte(`{"trusted-users": ["7", "8"], "exempt-groups": []}`), 0o644))

	ss := NewMemSetStore()
	ss.Replace(SetTrustedUsers, []string{"1"})
	require.NoError(ss.LoadFromFileJSON(p))

	ok, err := ss.InSet(ctx, SetTrustedUsers, "7")
	assert.NoError(err)
	assert.True(ok)

	ok, err = ss.InSet(ctx, SetTrustedUsers, "1")
	assert.NoError(err)
	assert.False(ok)

	ok, err = ss.InSet(ctx, "missing", "7")
	assert.NoError(err)
	assert.False(ok)

	assert.Equal(2, ss.Len(SetTrustedUsers))
	assert.Equal(0, ss.Len(SetExemptGroups))

	assert.Error(ss.LoadFromFileJSON(filepath.Join(t.TempDir(), "nope.json")))
}
