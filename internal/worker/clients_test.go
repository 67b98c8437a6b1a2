package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsBroadcastSkipsFullChannels(t *testing.T) {
	hub := NewClients(1)
	slow := hub.Connect("v1")
	fast := hub.Connect("v1")

	assert.Equal(t, 2, hub.Broadcast(ReloadMessage()))
	<-fast.Messages()
	assert.Equal(t, 1, hub.Broadcast(ReloadMessage()), "slow client buffer is full")

	require.Len(t, slow.Messages(), 1)
	require.Len(t, fast.Messages(), 1)
}

func TestClientsBroadcastOnlyReachesControlled(t *testing.T) {
	hub := NewClients(0)
	hub.Connect("")
	controlled := hub.Connect("v1")

	assert.Equal(t, 1, hub.Broadcast(ReloadMessage()))
	assert.Equal(t, ReloadMessage(), <-controlled.Messages())
}

func TestClientsClaim(t *testing.T) {
	hub := NewClients(0)
	hub.Connect("")
	hub.Connect("v1")
	hub.Connect("v2")

	assert.Equal(t, 2, hub.Claim("v2"))
	assert.Equal(t, 0, hub.Claim("v2"))
	assert.Equal(t, 0, hub.Claim(""))
	for _, info := range hub.List() {
		assert.Equal(t, "v2", info.Controller)
	}
}

func TestClientsDisconnectClosesChannel(t *testing.T) {
	hub := NewClients(0)
	client := hub.Connect("v1")
	hub.Disconnect(client.ID)
	hub.Disconnect(client.ID)

	_, open := <-client.Messages()
	assert.False(t, open)
	assert.Zero(t, hub.Len())
	assert.Zero(t, hub.Broadcast(ReloadMessage()))
}

func TestClientsClose(t *testing.T) {
	hub := NewClients(0)
	first := hub.Connect("v1")
	hub.Close()

	_, open := <-first.Messages()
	assert.False(t, open)

	late := hub.Connect("v1")
	_, open = <-late.Messages()
	assert.False(t, open)
	assert.Zero(t, hub.Len())
}
