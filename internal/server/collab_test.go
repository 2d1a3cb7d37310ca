package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/flowsync/internal/config"
	"github.com/Tyrowin/flowsync/internal/crdt"
)

func TestJoinSendsSnapshotThenPresence(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")

	a.join("r1", "alice")

	sync := a.next()
	require.Equal(t, TypeSyncDoc, sync.Type)
	assert.Equal(t, "r1", sync.RoomID)
	assert.NotEmpty(t, sync.Epoch)

	doc := crdt.NewDocument(1)
	require.NoError(t, doc.Apply(sync.Update))
	assert.Equal(t, 0, doc.Len())

	presence := a.next()
	require.Equal(t, TypePresenceSync, presence.Type)
	assert.Empty(t, presence.States)
}

func TestMemberJoinedIsAnnouncedToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")

	b := env.dial("")
	b.joinAndSync("r1", "bob")

	joined := a.expect(TypeMemberJoined)
	assert.Equal(t, "r1", joined.RoomID)
	assert.Equal(t, b.id, joined.TransportID)
	assert.Equal(t, "bob", joined.ClientID)
	b.expectNone(quietPeriod, TypeMemberJoined)
}

func TestDocUpdateIsRelayedToPeersOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	update := crdt.NewDocument(7).Insert(0, "hi")
	a.sendUpdate(update)

	relayed := b.expect(TypeDocUpdate)
	assert.Equal(t, update, relayed.Update)
	a.expectNone(quietPeriod, TypeDocUpdate)

	c := env.dial("")
	sync := c.joinAndSync("r1", "carol")
	late := crdt.NewDocument(9)
	require.NoError(t, late.Apply(sync.Update))
	assert.Equal(t, "hi", late.String())
	c.expectNone(quietPeriod, TypeDocUpdate)
}

func TestConcurrentEditsConverge(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	docA := crdt.NewDocument(1)
	docB := crdt.NewDocument(2)
	a.sendUpdate(docA.Insert(0, "hello"))
	b.sendUpdate(docB.Insert(0, "world"))

	require.NoError(t, docA.Apply(a.expect(TypeDocUpdate).Update))
	require.NoError(t, docB.Apply(b.expect(TypeDocUpdate).Update))

	assert.Equal(t, docA.String(), docB.String())
	r, ok := env.srv.Rooms().Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, docA.String(), r.Document().String())
}

func TestMalformedUpdateIsDropped(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.sendUpdate([]byte{0xff, 0xff})
	b.expectNone(quietPeriod, TypeDocUpdate)

	r, ok := env.srv.Rooms().Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, 0, r.Document().Len())

	update := crdt.NewDocument(3).Insert(0, "ok")
	a.sendUpdate(update)
	assert.Equal(t, update, b.expect(TypeDocUpdate).Update)
}

func TestUpdateBeforeJoinIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")

	a.sendUpdate(crdt.NewDocument(1).Insert(0, "lost"))
	sync := a.joinAndSync("r1", "alice")

	doc := crdt.NewDocument(2)
	require.NoError(t, doc.Apply(sync.Update))
	assert.Equal(t, "", doc.String())
}

func TestAwarenessIsTaggedAndReplayedToNewcomers(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.send(map[string]any{"type": TypeAwarenessUpdate, "state": map[string]int{"cursor": 4}})

	relayed := b.expect(TypeAwarenessUpdate)
	assert.Equal(t, a.id, relayed.From)
	assert.JSONEq(t, `{"cursor":4}`, string(relayed.State))
	a.expectNone(quietPeriod, TypeAwarenessUpdate)

	a.send(map[string]any{"type": TypeAwarenessUpdate, "state": map[string][]int{"selection": {1, 3}}})
	assert.JSONEq(t, `{"selection":[1,3]}`, string(b.expect(TypeAwarenessUpdate).State))

	c := env.dial("")
	c.join("r1", "carol")
	c.expect(TypeSyncDoc)
	presence := c.expect(TypePresenceSync)
	require.Contains(t, presence.States, a.id)
	assert.JSONEq(t, `{"selection":[1,3]}`, string(presence.States[a.id]))
	assert.NotContains(t, presence.States, c.id)
}

func TestRejoinSameRoomIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	b.join("r1", "bob")

	b.expectNone(quietPeriod, TypeSyncDoc, TypePresenceSync)
	a.expectNone(quietPeriod, TypeMemberJoined, TypeMemberLeft)
	assert.Equal(t, map[string]int{"r1": 2}, env.roomCounts())
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.joinAndSync("r2", "alice")

	left := b.expect(TypeMemberLeft)
	assert.Equal(t, a.id, left.TransportID)
	assert.Equal(t, "alice", left.ClientID)
	assert.Equal(t, map[string]int{"r1": 1, "r2": 1}, env.roomCounts())
}

func TestLeaveRoomDetachesSession(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.send(map[string]string{"type": TypeLeaveRoom})
	assert.Equal(t, a.id, b.expect(TypeMemberLeft).TransportID)

	a.sendUpdate(crdt.NewDocument(4).Insert(0, "late"))
	b.expectNone(quietPeriod, TypeDocUpdate)
	assert.Equal(t, map[string]int{"r1": 1}, env.roomCounts())
}

func TestEmptyRoomIsDiscardedAndRecreatedFresh(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	first := a.joinAndSync("r1", "alice")
	a.sendUpdate(crdt.NewDocument(1).Insert(0, "old"))

	a.closeCleanly()
	require.Eventually(t, func() bool { return env.srv.Rooms().Len() == 0 }, testWait, 10*time.Millisecond)

	b := env.dial("")
	second := b.joinAndSync("r1", "bob")
	assert.NotEqual(t, first.Epoch, second.Epoch)

	doc := crdt.NewDocument(2)
	require.NoError(t, doc.Apply(second.Update))
	assert.Equal(t, "", doc.String())
}

func TestReconnectWithinGraceIsSilent(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("alice")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.drop()
	require.Eventually(t, func() bool { return env.srv.Hub().Grace().Pending() == 1 }, testWait, 5*time.Millisecond)

	a2 := env.dial("alice")
	sync := a2.expect(TypeSyncDoc)
	assert.Equal(t, "r1", sync.RoomID)
	a2.expect(TypePresenceSync)

	b.expectNone(2*testGrace, TypeMemberLeft, TypeMemberJoined)
	assert.Equal(t, map[string]int{"r1": 2}, env.roomCounts())
	assert.Equal(t, 0, env.srv.Hub().Grace().Pending())

	update := crdt.NewDocument(5).Insert(0, "back")
	a2.sendUpdate(update)
	assert.Equal(t, update, b.expect(TypeDocUpdate).Update)
}

func TestReconnectViaJoinWithinGraceIsSilent(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.drop()
	require.Eventually(t, func() bool { return env.srv.Hub().Grace().Pending() == 1 }, testWait, 5*time.Millisecond)

	a2 := env.dial("")
	a2.joinAndSync("r1", "alice")

	b.expectNone(2*testGrace, TypeMemberLeft, TypeMemberJoined)
	assert.Equal(t, map[string]int{"r1": 2}, env.roomCounts())
}

func TestResumeThenJoinSendsOneSnapshot(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("alice")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.drop()
	require.Eventually(t, func() bool { return env.srv.Hub().Grace().Pending() == 1 }, testWait, 5*time.Millisecond)

	a2 := env.dial("alice")
	a2.expect(TypeSyncDoc)
	a2.expect(TypePresenceSync)
	a2.join("r1", "alice")

	a2.expectNone(quietPeriod, TypeSyncDoc, TypePresenceSync)
	b.expectNone(quietPeriod, TypeMemberLeft, TypeMemberJoined)
	assert.Equal(t, map[string]int{"r1": 2}, env.roomCounts())
}

func TestGraceExpiryAnnouncesDeparture(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	start := time.Now()
	a.drop()

	left := b.expect(TypeMemberLeft)
	assert.GreaterOrEqual(t, time.Since(start), testGrace)
	assert.Equal(t, a.id, left.TransportID)
	assert.Equal(t, "alice", left.ClientID)
	assert.Equal(t, map[string]int{"r1": 1}, env.roomCounts())
}

func TestReconnectIntoAnotherRoomReleasesHeldMembership(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Grace.Window = 10 * time.Second })
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.drop()
	require.Eventually(t, func() bool { return env.srv.Hub().Grace().Pending() == 1 }, testWait, 5*time.Millisecond)

	a2 := env.dial("")
	a2.joinAndSync("r2", "alice")

	assert.Equal(t, a.id, b.expect(TypeMemberLeft).TransportID)
	assert.Equal(t, map[string]int{"r1": 1, "r2": 1}, env.roomCounts())
}

func TestCleanCloseLeavesImmediately(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Grace.Window = 10 * time.Second })
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.closeCleanly()

	assert.Equal(t, a.id, b.expect(TypeMemberLeft).TransportID)
	assert.Equal(t, 0, env.srv.Hub().Grace().Pending())
}

func TestOversizedFrameClosesSession(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 256
		cfg.Grace.Window = 10 * time.Second
	})
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	a.send(map[string]any{"type": TypeAwarenessUpdate, "state": strings.Repeat("x", 1024)})

	a.expectClosed()
	assert.Equal(t, a.id, b.expect(TypeMemberLeft).TransportID)
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 3, RefillInterval: time.Hour}
	})
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r1", "bob")
	a.expect(TypeMemberJoined)

	for i := 0; i < 4; i++ {
		a.send(map[string]any{"type": TypeAwarenessUpdate, "state": i})
	}

	b.expect(TypeAwarenessUpdate)
	b.expect(TypeAwarenessUpdate)
	b.expectNone(quietPeriod, TypeAwarenessUpdate)
}

func TestRoomsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial("")
	a.joinAndSync("r1", "alice")
	b := env.dial("")
	b.joinAndSync("r2", "bob")

	a.sendUpdate(crdt.NewDocument(1).Insert(0, "one"))
	a.send(map[string]any{"type": TypeAwarenessUpdate, "state": 1})

	b.expectNone(quietPeriod, TypeDocUpdate, TypeAwarenessUpdate, TypeMemberJoined)
}
