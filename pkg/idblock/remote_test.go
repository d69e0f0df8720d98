package idblock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustercore/pkg/messaging"
	"clustercore/storage"
)

func activeTransport(t *testing.T) *messaging.Transport {
	t.Helper()
	tr := messaging.NewTransport(messaging.Options{
		Endpoint:   messaging.Endpoint{Host: "127.0.0.1"},
		CloseGrace: 50 * time.Millisecond,
	})
	require.NoError(t, tr.Activate())
	t.Cleanup(func() { _ = tr.Deactivate() })
	return tr
}

func TestRemoteAllocator(t *testing.T) {
	owner := activeTransport(t)
	client := activeTransport(t)

	local, err := NewAllocator(storage.NewMemoryCounterStore(), 100, nil)
	require.NoError(t, err)
	require.NoError(t, owner.RegisterHandler(AllocateSubject, Handler(local, nil)))

	remote := &RemoteAllocator{
		Transport: client,
		Target:    func() (messaging.Endpoint, error) { return owner.LocalEndpoint(), nil },
		Timeout:   time.Second,
	}

	b, err := remote.AllocateBlock(context.Background(), "dpids")
	require.NoError(t, err)
	assert.Equal(t, Block{Start: 0, End: 100, Size: 100}, b)

	b, err = local.AllocateBlock(context.Background(), "dpids")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b.Start)

	b, err = remote.AllocateBlock(context.Background(), "dpids")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), b.Start)

	_, err = remote.AllocateBlock(context.Background(), "")
	require.ErrorIs(t, err, ErrAllocationExhausted)
	require.ErrorIs(t, err, messaging.ErrHandlerFailed)
}

func TestRemoteAllocatorUnreachable(t *testing.T) {
	client := activeTransport(t)
	gone := activeTransport(t)
	ep := gone.LocalEndpoint()
	require.NoError(t, gone.Deactivate())

	remote := &RemoteAllocator{
		Transport: client,
		Target:    func() (messaging.Endpoint, error) { return ep, nil },
		Timeout:   time.Second,
	}
	_, err := remote.AllocateBlock(context.Background(), "dpids")
	require.ErrorIs(t, err, ErrAllocationExhausted)
	require.ErrorIs(t, err, messaging.ErrConnection)
}
