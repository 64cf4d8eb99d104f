package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreDomainDiscipline(t *testing.T) {
	assert := assert.New(t)
	s := NewStore(nil, nil)

	// config accessor without config domain
	assert.Panics(func() {
		_ = s.Do(func(tx *Tx) error {
			tx.Group(1)
			return nil
		}, DomainMessage)
	})

	// locks are released after the panic above
	assert.NoError(s.Do(func(tx *Tx) error {
		tx.SetGroup(1, DefaultGroupConfig())
		tx.EnsureUser(10)
		return nil
	}, DomainMessage, DomainConfig))

	assert.NoError(s.Do(func(tx *Tx) error {
		assert.NotNil(tx.Group(1))
		assert.NotNil(tx.User(10))
		assert.Nil(tx.User(11))
		return nil
	}, DomainConfig, DomainMessage))
}

func TestStoreTxInvalidAfterDo(t *testing.T) {
	s := NewStore(nil, nil)
	var leaked *Tx
	assert.NoError(t, s.Do(func(tx *Tx) error {
		leaked = tx
		return nil
	}, DomainMessage))
	assert.Panics(t, func() { leaked.EnsureUser(1) })
}

func TestDomainString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("message+flood", (DomainMessage | DomainFlood).String())
	assert.Equal("none", Domain(0).String())
}

func TestUserStatusTransitions(t *testing.T) {
	assert := assert.New(t)
	u := NewUserStatus(1)

	u.MarkSucceeded(100, 5)
	u.Enroll(100, 10)
	assert.NotContains(u.Succeeded, int64(100))
	assert.Equal(int64(10), u.Wait[100])

	u.MarkPassed(100, 20)
	assert.NotContains(u.Wait, int64(100))
	assert.Equal(int64(20), u.Pass[100])

	u.Enroll(100, 30)
	u.Enroll(200, 30)
	u.Enroll(50, 40)
	assert.Equal([]int64{100, 200, 50}, u.Waiting())
}

func TestWaitersOrdered(t *testing.T) {
	assert := assert.New(t)
	s := NewStore(nil, nil)
	assert.NoError(s.Do(func(tx *Tx) error {
		tx.EnsureUser(3).Enroll(7, 100)
		tx.EnsureUser(1).Enroll(7, 200)
		tx.EnsureUser(2).Enroll(7, 100)
		tx.EnsureUser(4).Enroll(8, 50)
		ws := tx.Waiters(7)
		assert.Equal(3, len(ws))
		assert.Equal(int64(2), ws[0].ID)
		assert.Equal(int64(3), ws[1].ID)
		assert.Equal(int64(1), ws[2].ID)
		assert.Equal(1, tx.WaitCount(8))
		return nil
	}, DomainMessage))
}

func TestGroupConfigNormalize(t *testing.T) {
	assert := assert.New(t)

	c := GroupConfig{Punish: "yeet", Hint: HintOff, PinOnFlood: true, ManualOnly: true, AutoPass: true}
	c.Normalize()
	assert.Equal(PunishKick, c.Punish)
	assert.False(c.PinOnFlood)
	assert.False(c.AutoPass)
	assert.True(c.ManualOnly)

	c = GroupConfig{Hint: "", Custom: &CustomQuestion{Question: "q"}}
	c.Normalize()
	assert.Equal(HintNormal, c.Hint)
	assert.Nil(c.Custom)
}
