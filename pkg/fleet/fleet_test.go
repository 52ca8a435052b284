package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/secrets"
	"botfleet/pkg/storage"
	"botfleet/pkg/storage/storagetest"
)

func newTestFleet(t *testing.T) (*Fleet, *storagetest.Memory, *secrets.Box) {
	t.Helper()

	var key fernet.Key
	require.NoError(t, key.Generate())

	box, err := secrets.NewBox(key.Encode())
	require.NoError(t, err)

	mem := storagetest.New()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := New(context.Background(), &ConfigFleet{
		Storer:       mem,
		Secrets:      box,
		SyncInterval: time.Second,
	}, logger)

	t.Cleanup(func() {
		for agentID := range f.listeners {
			f.stopListener(agentID)
		}
	})

	return f, mem, box
}

func addAgent(t *testing.T, mem *storagetest.Memory, box *secrets.Box, id int, active bool) {
	t.Helper()

	encrypted, err := box.Encrypt("agent-pw")
	require.NoError(t, err)

	mem.AgentRows[id] = storage.Agent{
		ID:                id,
		Name:              "a",
		Host:              "10.0.0.5",
		Port:              4242,
		ListenPort:        0, // kernel picks a free port
		EncryptedPassword: encrypted,
		DefaultCurrency:   "USDT",
		Active:            active,
	}
}

func TestRunStartsListenersForActiveAgentsOnly(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)
	addAgent(t, mem, box, 2, false)

	f.run()

	assert.Len(t, f.listeners, 1)
	assert.Contains(t, f.listeners, 1)

	// a second pass over unchanged agents keeps the same listener
	l := f.listeners[1]
	f.run()
	assert.Same(t, l, f.listeners[1])
}

func TestRunStopsListenerForDeactivatedAgent(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)
	f.run()
	require.Len(t, f.listeners, 1)

	agent := mem.AgentRows[1]
	agent.Active = false
	mem.AgentRows[1] = agent

	f.run()
	assert.Empty(t, f.listeners)
}

func TestRunRestartsListenerOnPasswordChange(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)
	f.run()
	require.Len(t, f.listeners, 1)
	before := f.listeners[1]

	encrypted, err := box.Encrypt("rotated-pw")
	require.NoError(t, err)
	agent := mem.AgentRows[1]
	agent.EncryptedPassword = encrypted
	mem.AgentRows[1] = agent

	f.run()
	require.Len(t, f.listeners, 1)
	assert.NotSame(t, before, f.listeners[1])
}

func TestRunEncryptsStoredPlaintextPassword(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)
	agent := mem.AgentRows[1]
	agent.EncryptedPassword = "plain-pw"
	mem.AgentRows[1] = agent

	f.run()

	stored := mem.AgentRows[1].EncryptedPassword
	require.True(t, secrets.IsCiphertext(stored))

	plain, repaired, err := box.Open(stored)
	require.NoError(t, err)
	assert.Equal(t, "plain-pw", plain)
	assert.Empty(t, repaired)
}

func TestRunRepairsDoubleEncryptedPassword(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)

	once, err := box.Encrypt("agent-pw")
	require.NoError(t, err)
	twice, err := box.Encrypt(once)
	require.NoError(t, err)

	agent := mem.AgentRows[1]
	agent.EncryptedPassword = twice
	mem.AgentRows[1] = agent

	f.run()

	stored := mem.AgentRows[1].EncryptedPassword
	assert.NotEqual(t, twice, stored)

	// the written back value is a single layer now
	plain, err := box.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "agent-pw", plain)
}

func TestRunSkipsAgentWithUnreadablePassword(t *testing.T) {
	f, mem, box := newTestFleet(t)

	addAgent(t, mem, box, 1, true)

	var otherKey fernet.Key
	require.NoError(t, otherKey.Generate())
	otherBox, err := secrets.NewBox(otherKey.Encode())
	require.NoError(t, err)

	encrypted, err := otherBox.Encrypt("agent-pw")
	require.NoError(t, err)

	agent := mem.AgentRows[1]
	agent.EncryptedPassword = encrypted
	mem.AgentRows[1] = agent

	f.run()

	assert.Empty(t, f.listeners)
}
