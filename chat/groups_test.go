package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist-app/chatcore/wire"
)

func establishMesh(t *testing.T, net *loopback, initiator *Service, peers ...string) {
	t.Helper()
	for _, peer := range peers {
		require.NoError(t, initiator.InitiateSession(context.Background(), peer))
	}
}

func TestGroupMessageFanOut(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	carol := newTestService(t, net, "carol")
	establishMesh(t, net, alice, "bob", "carol")

	groupID, err := alice.CreateGroup("trip", []string{"bob", "carol"})
	require.NoError(t, err)
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "hello group")
	require.NoError(t, err)
	pump(t, alice)

	for _, svc := range []*Service{bob, carol} {
		msgs, err := svc.Messages(groupID, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello group", msgs[0].Body)
		assert.Equal(t, "alice", msgs[0].SenderID)
	}
}

func TestGroupInviteCallback(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	establishMesh(t, net, alice, "bob")

	var invites []string
	bob.SetCallbacks(Callbacks{
		OnGroupInvite: func(groupID, groupName, senderID string) {
			invites = append(invites, groupName+" from "+senderID)
		},
	})

	_, err := alice.CreateGroup("holiday", []string{"bob"})
	require.NoError(t, err)
	pump(t, alice)

	assert.Equal(t, []string{"holiday from alice"}, invites)
}

func TestGroupSkipsMembersWithoutSession(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	establishMesh(t, net, alice, "bob")

	groupID, err := alice.CreateGroup("trip", []string{"bob", "stranger"})
	require.NoError(t, err)
	pump(t, alice)

	members, err := alice.store.Members(groupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
	_ = bob
}

func TestRemoveMemberCutsAccess(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	carol := newTestService(t, net, "carol")
	establishMesh(t, net, alice, "bob", "carol")

	groupID, err := alice.CreateGroup("trip", []string{"bob", "carol"})
	require.NoError(t, err)
	pump(t, alice)

	require.NoError(t, alice.RemoveGroupMember(groupID, "carol"))
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "bob only")
	require.NoError(t, err)
	pump(t, alice)

	msgs, err := bob.Messages(groupID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob only", msgs[0].Body)

	// Carol never receives the post-removal message.
	msgs, err = carol.Messages(groupID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAddMemberSeesNoHistory(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	carol := newTestService(t, net, "carol")
	establishMesh(t, net, alice, "bob", "carol")

	groupID, err := alice.CreateGroup("trip", []string{"bob"})
	require.NoError(t, err)
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "before carol")
	require.NoError(t, err)
	pump(t, alice)

	require.NoError(t, alice.AddGroupMember(groupID, "carol"))
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "after carol")
	require.NoError(t, err)
	pump(t, alice)

	msgs, err := carol.Messages(groupID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after carol", msgs[0].Body)

	// Bob has both, spanning the rotation.
	msgs, err = bob.Messages(groupID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAddMemberRequiresSession(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	establishMesh(t, net, alice, "bob")

	groupID, err := alice.CreateGroup("trip", []string{"bob"})
	require.NoError(t, err)
	pump(t, alice)

	assert.Error(t, alice.AddGroupMember(groupID, "stranger"))
	_ = bob
}

func TestManualRotation(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	establishMesh(t, net, alice, "bob")

	groupID, err := alice.CreateGroup("trip", []string{"bob"})
	require.NoError(t, err)
	pump(t, alice)

	require.NoError(t, alice.RotateGroupKey(groupID, wire.RekeyManual))
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "fresh key")
	require.NoError(t, err)
	pump(t, alice)

	msgs, err := bob.Messages(groupID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh key", msgs[0].Body)

	assert.Error(t, alice.RotateGroupKey(groupID, "whim"))
}

func TestGroupMessageReplayIgnored(t *testing.T) {
	net := newLoopback()
	alice := newTestService(t, net, "alice")
	bob := newTestService(t, net, "bob")
	establishMesh(t, net, alice, "bob")

	groupID, err := alice.CreateGroup("trip", []string{"bob"})
	require.NoError(t, err)
	pump(t, alice)

	_, err = alice.SendGroupMessage(groupID, "once only")
	require.NoError(t, err)

	// Capture the queued ciphertext before it drains.
	pendings := alice.queue.PendingFor("bob")
	require.Len(t, pendings, 1)
	replay := append([]byte(nil), pendings[0].Payload...)
	pump(t, alice)

	err = net.Send(context.Background(), "bob", "chat/group/message", replay)
	assert.Error(t, err)

	msgs, err := bob.Messages(groupID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
