package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, s *Store) {
	require.NoError(t, s.Do(func(tx *Tx) error {
		u := tx.EnsureUser(42)
		u.Name = "someone"
		u.Enroll(-1001, 1000)
		u.Failed[-1002] = 900
		u.Failed[-1003] = -800
		u.Banned[-1002] = 0
		u.Restricted.Add(-1001)
		u.Score["gatekeep"] = 0.6
		u.Challenge = &ChallengeRecord{MessageID: 5, Kind: "math", Question: "1+1", Answer: "2", Issued: 1001}

		r := tx.Registry(-1001)
		r.Hint = 77
		r.Flood[78] = 1000
		tx.SetGroup(-1001, DefaultGroupConfig())
		tx.SetStart("abc", StartSession{Group: -1001, Admin: 9, Until: 5000})
		tx.Flood(-1001).Start = 1000
		tx.Pins(-1001).New = 80
		tx.Invite().Link = "https://example.com/join"
		tx.SetRules("nm", []string{"spam", "[a@](?#map=a)"})
		tx.SetSubstitutions(map[rune]rune{'@': 'a'})
		tx.AddFailed(FailedRecord{User: 42, Group: -1001, Reason: "timeout", Time: 1100})
		l := tx.Lists()
		l.Bad.Add(666)
		l.Watch[667] = WatchEntry{Kind: WatchBan, Until: 9999}
		l.White.Add(1)
		tx.SetAdmins(-1001, []int64{9, 10})
		return nil
	}, DomainMessage, DomainAdmin, DomainConfig, DomainFlood, DomainInvite, DomainPin, DomainRegex, DomainFailed, DomainReceive))
}

func TestSnapshotRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)
	s := NewStore(p, nil)
	populate(t, s)
	require.NoError(t, s.SaveAll(ctx))

	loaded := NewStore(p, nil)
	require.NoError(t, loaded.Load(ctx))

	for _, c := range Categories {
		want, err := s.Snapshot(c)
		assert.NoError(err)
		got, err := loaded.Snapshot(c)
		assert.NoError(err)
		assert.JSONEq(string(want), string(got), "category %s", c)
	}

	assert.NoError(loaded.Do(func(tx *Tx) error {
		u := tx.User(42)
		assert.Equal(s.users[42], u)
		assert.True(tx.IsAdmin(-1001, 9))
		assert.Equal('a', tx.Substitutions()['@'])
		return nil
	}, DomainMessage, DomainAdmin, DomainRegex))
}

func TestLoadFallsBackToShadow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	p, err := NewFilePersister(dir)
	require.NoError(t, err)
	s := NewStore(p, nil)
	populate(t, s)
	require.NoError(t, s.SaveAll(ctx))
	// second save moves the first primary to the shadow
	require.NoError(t, s.Save(ctx, CategoryUsers))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte("{not json"), 0600))

	loaded := NewStore(p, nil)
	assert.NoError(loaded.Load(ctx))
	assert.NoError(loaded.Do(func(tx *Tx) error {
		assert.NotNil(tx.User(42))
		return nil
	}, DomainMessage))
}

func TestLoadBothCopiesLost(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	p, err := NewFilePersister(dir)
	require.NoError(t, err)
	s := NewStore(p, nil)
	populate(t, s)
	require.NoError(t, s.SaveAll(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte("garbage"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json.bak"), []byte("garbage"), 0600))

	loaded := NewStore(p, nil)
	err = loaded.Load(ctx)
	assert.ErrorIs(err, ErrSnapshotLost)

	// other categories still loaded
	assert.NoError(loaded.Do(func(tx *Tx) error {
		assert.NotNil(tx.Group(-1001))
		assert.True(tx.Lists().Bad.Has(666))
		return nil
	}, DomainConfig, DomainReceive))
}

func TestLoadEmptyDir(t *testing.T) {
	p, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)
	s := NewStore(p, nil)
	assert.NoError(t, s.Load(context.Background()))
}

func TestSaveDirtyOnlyTouched(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	p, err := NewFilePersister(dir)
	require.NoError(t, err)
	s := NewStore(p, nil)
	assert.NoError(s.Do(func(tx *Tx) error {
		tx.Invite().Link = "x"
		return nil
	}, DomainInvite))
	assert.NoError(s.SaveDirty(ctx))

	_, err = os.Stat(filepath.Join(dir, "invite.json"))
	assert.NoError(err)
	_, err = os.Stat(filepath.Join(dir, "users.json"))
	assert.True(os.IsNotExist(err))
}

func TestRestoreCategory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewStore(nil, nil)
	assert.NoError(s.Restore(ctx, CategoryLists, []byte(`{"bad":[5,6],"white":[7]}`)))
	assert.NoError(s.Do(func(tx *Tx) error {
		l := tx.Lists()
		assert.True(l.Bad.Has(5))
		assert.True(l.White.Has(7))
		assert.NotNil(l.Watch)
		assert.NotNil(l.Ignore)
		return nil
	}, DomainReceive))

	assert.Error(s.Restore(ctx, CategoryLists, []byte(`[`)))

	_, err := ParseCategory("nope")
	assert.ErrorIs(err, ErrUnknownCategory)
}

func TestRestoreNullCategory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewStore(nil, nil)
	for _, c := range Categories {
		assert.NoError(s.Restore(ctx, c, []byte(`null`)), c)
	}
	assert.NoError(s.Restore(ctx, CategoryAdmins, []byte(`{"-1001":null}`)))

	// every collection is still writable
	assert.NotPanics(func() { populate(t, s) })
	b, err := s.Snapshot(CategoryUsers)
	assert.NoError(err)
	assert.Contains(string(b), `"someone"`)
}
