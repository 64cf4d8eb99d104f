package flagstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemFlagStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fs := NewMemFlagStore()
	key := UserKey(42)
	assert.Equal("user/42", key)

	l, err := fs.Get(ctx, key)
	assert.NoError(err)
	assert.Empty(l)

	assert.NoError(fs.Add(ctx, key, []string{FlagVerifyFailed, FlagEscalated}))
	assert.NoError(fs.Add(ctx, key, []string{FlagVerifyFailed}))
	l, err = fs.Get(ctx, key)
	assert.NoError(err)
	assert.Equal([]string{FlagEscalated, FlagVerifyFailed}, l)

	assert.NoError(fs.Remove(ctx, key, []string{FlagEscalated, "other"}))
	l, err = fs.Get(ctx, key)
	assert.NoError(err)
	assert.Equal([]string{FlagVerifyFailed}, l)

	assert.NoError(fs.Remove(ctx, key, []string{FlagVerifyFailed}))
	assert.NoError(fs.Remove(ctx, "missing", []string{FlagVerifyFailed}))
	l, err = fs.Get(ctx, key)
	assert.NoError(err)
	assert.Empty(l)
}

func TestRedisFlagStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	fs, err := NewRedisFlagStore("redis://localhost:6379/0")
	if err != nil {
		t.Fail()
	}

	assert.NoError(fs.Add(ctx, "test1", []string{"red", "green"}))
	assert.NoError(fs.Add(ctx, "test1", []string{"red", "blue"}))
	l, err := fs.Get(ctx, "test1")
	assert.NoError(err)
	assert.Equal([]string{"blue", "green", "red"}, l)

	assert.NoError(fs.Remove(ctx, "test1", []string{"red", "blue", "orange"}))
	l, err = fs.Get(ctx, "test1")
	assert.NoError(err)
	assert.Equal([]string{"green"}, l)
	assert.NoError(fs.Remove(ctx, "test1", []string{"green"}))
}
