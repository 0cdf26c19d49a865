package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	member1 = "5511900000011@s.whatsapp.net"
	member2 = "5511900000012@s.whatsapp.net"
)

func purgeGroup() *Group {
	return &Group{
		ID:    groupG,
		Owner: ownerO,
		Participants: []Participant{
			{ID: ownerO, IsAdmin: true},
			{ID: botB, IsAdmin: true},
			{ID: member1},
			{ID: member2},
		},
	}
}

func TestPurge(t *testing.T) {
	t.Run("removes everyone but owner and bot", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		gw.addGroup(purgeGroup())

		rep := e.Purge(context.Background(), groupG, ownerO)

		require.Equal(t, VerdictCompleted, rep.Verdict)
		assert.Equal(t, []string{
			"sleep(1s)", "remove(" + groupG + "," + member1 + ")",
			"sleep(1s)", "remove(" + groupG + "," + member2 + ")",
		}, gw.log())
		assert.Equal(t, []string{member1, member2}, rep.Calls(OpRemove))
		assert.Empty(t, rep.Calls(OpAdd))
	})

	t.Run("one failure does not abort the batch", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		gw.addGroup(purgeGroup())
		gw.failWith(OpRemove, member1, errBoom)

		rep := e.Purge(context.Background(), groupG, ownerO)

		require.Len(t, rep.Ops, 2)
		assert.Equal(t, OutcomeFailed, rep.Ops[0].Outcome)
		assert.Equal(t, OutcomeSucceeded, rep.Ops[1].Outcome)
	})

	t.Run("rate limited removal is retried once", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		gw.addGroup(purgeGroup())
		gw.failWith(OpRemove, member1, ErrRateLimited)

		rep := e.Purge(context.Background(), groupG, ownerO)

		assert.Equal(t, []string{
			"sleep(1s)", "remove(" + groupG + "," + member1 + ")",
			"sleep(2s)", "remove(" + groupG + "," + member1 + ")",
			"sleep(1s)", "remove(" + groupG + "," + member2 + ")",
		}, gw.log())
		assert.Equal(t, 2, rep.Succeeded())
	})

	t.Run("bot without admin rights does nothing", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		g := purgeGroup()
		g.Participants[1].IsAdmin = false
		gw.addGroup(g)

		rep := e.Purge(context.Background(), groupG, ownerO)

		assert.Equal(t, VerdictAbandoned, rep.Verdict)
		assert.ErrorIs(t, rep.Err, ErrBotNotAdmin)
		assert.Empty(t, gw.log())
	})

	t.Run("metadata failure", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		gw.metaErr = errBoom

		rep := e.Purge(context.Background(), groupG, ownerO)

		assert.Equal(t, VerdictAbandoned, rep.Verdict)
		assert.ErrorIs(t, rep.Err, ErrMetadataFetch)
	})

	t.Run("records the owner", func(t *testing.T) {
		e, gw := newTestEnforcer(testConfig())
		gw.addGroup(purgeGroup())

		e.Purge(context.Background(), groupG, ownerO)

		owner, ok := e.Registry().Lookup(groupG)
		assert.True(t, ok)
		assert.Equal(t, ownerO, owner)
	})
}

func TestPurgeTargets_Dedup(t *testing.T) {
	g := purgeGroup()
	g.Participants = append(g.Participants, Participant{ID: member1})

	assert.Equal(t, []string{member1, member2}, PurgeTargets(g, botB))
}

func TestCommandGate(t *testing.T) {
	gate := NewCommandGate(PurgeConfig{Enabled: true, Authorized: []string{ownerO}})

	assert.True(t, gate.IsCommand("!purge"))
	assert.True(t, gate.IsCommand("  !purge \n"))
	assert.False(t, gate.IsCommand("!PURGE"))
	assert.False(t, gate.IsCommand("hi"))

	assert.True(t, gate.Allowed(ownerO, true))
	assert.False(t, gate.Allowed(ownerO, false), "command only applies in groups")
	assert.False(t, gate.Allowed(userA, true))

	disabled := NewCommandGate(PurgeConfig{Command: "DISTRUCT__RD", Authorized: []string{ownerO}})
	assert.False(t, disabled.IsCommand("DISTRUCT__RD"))
	assert.False(t, disabled.Allowed(ownerO, true))
}
