package chat

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_RegisterAnnouncesCountThenJoin(t *testing.T) {
	env := newTestEnv(t)
	bob, _ := env.join(t, "c2", "bob")

	frames := bob.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, TypeListenerCount, frames[0]["type"])
	assert.Equal(t, float64(1), frames[0]["count"])
	assert.Equal(t, "bob joined the chat", frames[1]["message"])

	alice, s := env.join(t, "c1", "alice")
	assert.Equal(t, StateIdentified, s.State())
	assert.Equal(t, 2, alice.lastCount())
	assert.Equal(t, 2, bob.lastCount())
	assert.Contains(t, bob.systemMessages(), "alice joined the chat")
}

func TestRouter_IgnoresFramesBeforeRegister(t *testing.T) {
	env := newTestEnv(t)
	watcher, _ := env.join(t, "c9", "watcher")
	watcher.reset()

	p := newFakePeer()
	s := env.router.Open(p)
	ctx := context.Background()

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeChat, ClientID: "c1", Username: "x", Message: "hi"}))
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeBlock, ClientID: "c1", TargetClientID: "c9"}))

	assert.Equal(t, StateAnonymous, s.State())
	assert.Empty(t, p.frames())
	assert.Empty(t, watcher.frames())
}

func TestRouter_MalformedFramesIgnored(t *testing.T) {
	env := newTestEnv(t)
	p, s := env.join(t, "c1", "alice")
	p.reset()

	env.router.Handle(context.Background(), s, []byte(`{nope`))
	env.router.Handle(context.Background(), s, []byte(`{"type":"teleport"}`))

	assert.Equal(t, StateIdentified, s.State())
	assert.Empty(t, p.frames())
}

func TestRouter_RegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := newFakePeer()
	s := env.router.Open(p)
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c1"}))
	assert.Equal(t, StateAnonymous, s.State())
	assert.Equal(t, []string{"A username is required."}, p.systemMessages())

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, Username: "alice"}))
	assert.Equal(t, StateAnonymous, s.State())
	assert.Equal(t, 0, env.registry.Count())
}

func TestRouter_SecondRegisterIgnored(t *testing.T) {
	env := newTestEnv(t)
	p, s := env.join(t, "c1", "alice")
	p.reset()

	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c2", Username: "mallory"}))

	assert.Equal(t, "c1", s.ClientID())
	assert.Equal(t, 1, env.registry.Count())
	assert.Empty(t, p.frames())
}

func TestRouter_ReRegisterReplacesOldConnection(t *testing.T) {
	env := newTestEnv(t)
	old, oldSession := env.join(t, "c1", "alice")
	fresh, _ := env.join(t, "c1", "alice")

	assert.True(t, old.isClosed())
	assert.Contains(t, old.systemMessages(), NoticeReplaced)
	assert.False(t, fresh.isClosed())
	assert.Equal(t, 1, env.registry.Count())

	// The old transport closing afterwards leaves the new entry alone.
	env.router.Closed(oldSession)
	_, peer, ok := env.registry.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, fresh.ID(), peer.ID())
}

func TestRouter_ChatBroadcast(t *testing.T) {
	env := newTestEnv(t)
	alice, s := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")

	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeChat, ClientID: "c1", Username: "alice", Message: "  hello  "}))

	for _, p := range []*fakePeer{alice, bob} {
		chats := p.framesOfType(TypeChat)
		require.Len(t, chats, 1)
		assert.Equal(t, "c1", chats[0]["clientId"])
		assert.Equal(t, "alice", chats[0]["username"])
		assert.Equal(t, "hello", chats[0]["message"])
		_, err := time.Parse(time.RFC3339, chats[0]["timestamp"].(string))
		assert.NoError(t, err)
	}
}

func TestRouter_ChatValidation(t *testing.T) {
	env := newTestEnv(t)
	alice, s := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")
	ctx := context.Background()

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeChat, Message: "   "}))
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeChat, ClientID: "c2", Message: "spoof"}))
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeChat, Username: "bob", Message: "spoof"}))

	assert.Empty(t, bob.framesOfType(TypeChat))
	assert.Empty(t, alice.framesOfType(TypeChat))
	assert.Contains(t, alice.systemMessages(), "Messages cannot be empty.")
	assert.Contains(t, alice.systemMessages(), "The client id does not match this connection.")
	assert.Equal(t, StateIdentified, s.State())
}

// Alice (c1) and Bob (c2) connected; moderator Carol (c3) blocks c2.
func TestRouter_BlockEvictsWithinCommand(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")
	carol, carolSession := env.join(t, "c3", "carol")
	alice.reset()
	carol.reset()

	env.router.Handle(context.Background(), carolSession, frame(t, InboundFrame{
		Type: TypeBlock, ClientID: "c3", Username: "carol", TargetClientID: "c2", Reason: "spam",
	}))

	// Synchronous: by the time Handle returns bob is gone.
	assert.True(t, bob.isClosed())
	assert.Contains(t, bob.systemMessages(), moderation.NoticeBlocked)
	assert.Equal(t, 2, env.registry.Count())
	assert.Error(t, env.gate.Admit("c2"))

	blocked, err := env.store.IsBlocked(context.Background(), "c2")
	require.NoError(t, err)
	assert.True(t, blocked)

	for _, p := range []*fakePeer{alice, carol} {
		assert.Equal(t, 2, p.lastCount())
		assert.Contains(t, p.systemMessages(), NoticeUserBlocked)
	}
}

func TestRouter_BlockedClientCannotRegister(t *testing.T) {
	env := newTestEnv(t)
	_, carolSession := env.join(t, "c3", "carol")
	env.router.Handle(context.Background(), carolSession, frame(t, InboundFrame{
		Type: TypeBlock, TargetClientID: "c2",
	}))

	bob, s := env.join(t, "c2", "bob")

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, bob.isClosed())
	assert.Equal(t, []string{NoticeYouAreBlocked}, bob.systemMessages())
	_, _, ok := env.registry.Lookup("c2")
	assert.False(t, ok)
	assert.Equal(t, 1, env.registry.Count())

	// Further frames on the closed session do nothing.
	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeChat, Message: "hi"}))
	assert.Len(t, bob.frames(), 1)
}

func TestRouter_ChatFromBlockedIdentifiedClient(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceSession := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")

	// Block straight through the gate without an evictor so the
	// connection stays up.
	g := moderation.NewGate(env.store)
	_, err := g.ApplyBlock(context.Background(), &moderation.Principal{
		ID: "root", Capabilities: []moderation.Capability{moderation.CapabilityChatModerate},
	}, "c1", "")
	require.NoError(t, err)
	require.NoError(t, env.gate.Reload(context.Background()))
	bob.reset()

	env.router.Handle(context.Background(), aliceSession, frame(t, InboundFrame{Type: TypeChat, Message: "still here?"}))

	assert.Empty(t, bob.frames())
	assert.Contains(t, alice.systemMessages(), NoticeYouAreBlocked)
	assert.Equal(t, StateIdentified, aliceSession.State())
}

func TestRouter_UnblockNoop(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.join(t, "c1", "alice")
	carol, carolSession := env.join(t, "c3", "carol")
	alice.reset()
	carol.reset()

	env.router.Handle(context.Background(), carolSession, frame(t, InboundFrame{Type: TypeUnblock, TargetClientID: "c9"}))

	assert.Equal(t, []string{NoticeNotBlocked}, carol.systemMessages())
	assert.Empty(t, alice.frames(), "a no-op unblock is not broadcast")
}

func TestRouter_UnblockIdempotent(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.join(t, "c1", "alice")
	_, carolSession := env.join(t, "c3", "carol")
	ctx := context.Background()

	env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))
	alice.reset()

	env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeUnblock, TargetClientID: "c2"}))
	env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeUnblock, TargetClientID: "c2"}))

	assert.Equal(t, []string{NoticeUserUnblocked}, alice.systemMessages())
	assert.NoError(t, env.gate.Admit("c2"))

	_, s := env.join(t, "c2", "bob")
	assert.Equal(t, StateIdentified, s.State())
}

// Alice (no chat.moderate) tries to block Bob.
func TestRouter_ForbiddenBlock(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceSession := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")
	alice.reset()
	bob.reset()

	env.router.Handle(context.Background(), aliceSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))

	assert.False(t, bob.isClosed())
	assert.Empty(t, bob.frames())
	assert.Equal(t, []string{NoticeForbidden}, alice.systemMessages())
	assert.NoError(t, env.gate.Admit("c2"))

	history, err := env.store.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRouter_UnknownUserCannotModerate(t *testing.T) {
	env := newTestEnv(t)
	mallory, s := env.join(t, "c7", "mallory")
	mallory.reset()

	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeUnblock, TargetClientID: "c2"}))
	assert.Equal(t, []string{NoticeForbidden}, mallory.systemMessages())
}

func TestRouter_SelfBlockRejected(t *testing.T) {
	env := newTestEnv(t)
	carol, s := env.join(t, "c3", "carol")
	carol.reset()

	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c3"}))

	assert.False(t, carol.isClosed())
	assert.Equal(t, []string{"You cannot block yourself."}, carol.systemMessages())
	assert.NoError(t, env.gate.Admit("c3"))
}

func TestRouter_BlockRequiresTarget(t *testing.T) {
	env := newTestEnv(t)
	carol, s := env.join(t, "c3", "carol")
	carol.reset()

	env.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeBlock}))
	assert.Equal(t, []string{"A target client id is required."}, carol.systemMessages())
}

func TestRouter_ClosedAnnouncesLeave(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.join(t, "c1", "alice")
	_, bobSession := env.join(t, "c2", "bob")
	alice.reset()

	env.router.Closed(bobSession)
	env.router.Closed(bobSession)

	frames := alice.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, float64(1), frames[0]["count"])
	assert.Equal(t, "bob left the chat", frames[1]["message"])
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, token string) (string, error) {
	name, ok := v[token]
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return name, nil
}

func TestRouter_TokenBindsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.router.verifier = staticVerifier{"tok-carol": "carol", "tok-bob": "bob"}
	env.router.requireToken = true
	ctx := context.Background()

	// No token: refused but the connection stays open for a retry.
	p := newFakePeer()
	s := env.router.Open(p)
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c3", Username: "carol"}))
	assert.Equal(t, StateAnonymous, s.State())
	assert.Equal(t, []string{NoticeInvalidToken}, p.systemMessages())

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c3", Username: "carol", Token: "bad"}))
	assert.Equal(t, StateAnonymous, s.State())

	// Capabilities follow the verified username, not the display name.
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c3", Username: "DJ Carol", Token: "tok-carol"}))
	require.Equal(t, StateIdentified, s.State())

	bob := newFakePeer()
	bobSession := env.router.Open(bob)
	env.router.Handle(ctx, bobSession, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c2", Username: "bob", Token: "tok-bob"}))
	require.Equal(t, StateIdentified, bobSession.State())

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))
	assert.True(t, bob.isClosed())
}

func TestRouter_DisplayNameDoesNotGrantCapabilities(t *testing.T) {
	env := newTestEnv(t)
	env.router.verifier = staticVerifier{"tok-bob": "bob"}
	ctx := context.Background()

	// Bob verifies as bob but picks "carol" as his display name.
	bob := newFakePeer()
	s := env.router.Open(bob)
	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c2", Username: "carol", Token: "tok-bob"}))
	require.Equal(t, StateIdentified, s.State())
	alice, _ := env.join(t, "c1", "alice")
	bob.reset()

	env.router.Handle(ctx, s, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c1"}))
	assert.Equal(t, []string{NoticeForbidden}, bob.systemMessages())
	assert.False(t, alice.isClosed())
}

func TestRouter_ReplacedSessionIsDetached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, oldSession := env.join(t, "c1", "alice")
	fresh, freshSession := env.join(t, "c1", "alice")
	bob, _ := env.join(t, "c2", "bob")
	bob.reset()

	env.router.Handle(ctx, oldSession, frame(t, InboundFrame{Type: TypeChat, Message: "from the old window"}))

	assert.Empty(t, bob.framesOfType(TypeChat))
	assert.Equal(t, StateClosed, oldSession.State())

	env.router.Handle(ctx, freshSession, frame(t, InboundFrame{Type: TypeChat, Message: "from the new window"}))
	chats := bob.framesOfType(TypeChat)
	require.Len(t, chats, 1)
	assert.Equal(t, "from the new window", chats[0]["message"])
	assert.False(t, fresh.isClosed())
	assert.Equal(t, 2, env.registry.Count())
}

func TestRouter_ReplacedModeratorCannotModerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob, _ := env.join(t, "c2", "bob")
	_, oldSession := env.join(t, "c3", "carol")
	env.join(t, "c3", "carol")

	env.router.Handle(ctx, oldSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))

	assert.NoError(t, env.gate.Admit("c2"))
	assert.False(t, bob.isClosed())
	history, err := env.store.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRouter_EvictedSessionStaysClosedAfterUnblock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, _ := env.join(t, "c1", "alice")
	bob, bobSession := env.join(t, "c2", "bob")
	_, carolSession := env.join(t, "c3", "carol")

	env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))
	require.True(t, bob.isClosed())
	env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeUnblock, TargetClientID: "c2"}))
	require.NoError(t, env.gate.Admit("c2"))
	alice.reset()

	// The evicted socket is still readable until it finishes closing.
	env.router.Handle(ctx, bobSession, frame(t, InboundFrame{Type: TypeChat, Message: "back again"}))
	env.router.Handle(ctx, bobSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c1"}))

	assert.Empty(t, alice.frames())
	assert.Equal(t, StateClosed, bobSession.State())
	assert.NoError(t, env.gate.Admit("c1"))

	// Closing the transport afterwards announces nothing.
	env.router.Closed(bobSession)
	assert.Empty(t, alice.frames())
	assert.Equal(t, 2, env.registry.Count())
}

func TestRouter_JoinNeverFollowsBlockNotice(t *testing.T) {
	for i := range 20 {
		env := newTestEnv(t)
		ctx := context.Background()
		alice, _ := env.join(t, "c1", "alice")
		_, carolSession := env.join(t, "c3", "carol")
		alice.reset()

		bob := newFakePeer()
		bobSession := env.router.Open(bob)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.router.Handle(ctx, bobSession, frame(t, InboundFrame{Type: TypeRegister, ClientID: "c2", Username: "bob"}))
		}()
		go func() {
			defer wg.Done()
			env.router.Handle(ctx, carolSession, frame(t, InboundFrame{Type: TypeBlock, TargetClientID: "c2"}))
		}()
		wg.Wait()

		msgs := alice.systemMessages()
		joined := slices.Index(msgs, "bob joined the chat")
		blocked := slices.Index(msgs, NoticeUserBlocked)
		require.NotEqual(t, -1, blocked, "iteration %d", i)
		if joined != -1 {
			assert.Less(t, joined, blocked, "iteration %d: %v", i, msgs)
		}
		assert.Equal(t, 2, env.registry.Count(), "iteration %d", i)
	}
}
