package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr := NewTransport(Options{
		Endpoint:       Endpoint{Host: "127.0.0.1", Port: 0},
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		CloseGrace:     100 * time.Millisecond,
	})
	require.NoError(t, tr.Activate())
	t.Cleanup(func() { _ = tr.Deactivate() })
	return tr
}

func echo(_ context.Context, payload []byte) ([]byte, error) { return payload, nil }

// blockUntilCancelled never replies on its own.
func blockUntilCancelled(ctx context.Context, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func closedPort(t *testing.T) Endpoint {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return Endpoint{Host: "127.0.0.1", Port: uint16(port)}
}

func TestSendAndReceiveEcho(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("echo", echo))

	payload := []byte{0, 1, 2, 0xff, 'o', 'n', 'o', 's', 0}
	reply, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", payload, time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, reply)
	assert.Equal(t, StateConnected, client.ConnState(server.LocalEndpoint()))

	large := bytes.Repeat([]byte("x"), 1<<20)
	reply, err = client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", large, time.Second)
	require.NoError(t, err)
	assert.Equal(t, large, reply)
}

func TestSendAndReceiveTimeout(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("silent", blockUntilCancelled))

	start := time.Now()
	_, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "silent", []byte("ping"), 200*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 180*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestLateReplyIsDropped(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("slow", func(ctx context.Context, p []byte) ([]byte, error) {
		time.Sleep(300 * time.Millisecond)
		return p, nil
	}))
	require.NoError(t, server.RegisterHandler("echo", echo))

	_, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "slow", []byte("late"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// Wait for the late reply to arrive and be discarded, then make sure
	// the connection still correlates correctly.
	time.Sleep(300 * time.Millisecond)
	reply, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", []byte("fresh"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), reply)
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("fail", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("device unknown")
	}))
	require.NoError(t, server.RegisterHandler("panic", func(context.Context, []byte) ([]byte, error) {
		panic("handler bug")
	}))
	require.NoError(t, server.RegisterHandler("echo", echo))

	_, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "fail", nil, time.Second)
	require.ErrorIs(t, err, ErrHandlerFailed)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "device unknown", remote.Message)
	assert.Equal(t, StatusHandlerError, remote.Status)

	_, err = client.SendAndReceive(context.Background(), server.LocalEndpoint(), "panic", nil, time.Second)
	require.ErrorIs(t, err, ErrHandlerFailed)

	// The connection survives handler failures.
	reply, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", []byte("ok"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply)
}

func TestUnknownSubject(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	_, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "nobody-home", nil, time.Second)
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestRegisterHandlerConflict(t *testing.T) {
	tr := NewTransport(Options{})
	require.NoError(t, tr.RegisterHandler("mastership-role-change", echo))
	require.ErrorIs(t, tr.RegisterHandler("mastership-role-change", echo), ErrHandlerConflict)

	tr.UnregisterHandler("mastership-role-change")
	require.NoError(t, tr.RegisterHandler("mastership-role-change", echo))
}

func TestConnectionErrorOnUnreachableEndpoint(t *testing.T) {
	client := newTestTransport(t)
	target := closedPort(t)

	_, err := client.SendAndReceive(context.Background(), target, "echo", []byte("x"), time.Second)
	require.ErrorIs(t, err, ErrConnection)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, target, connErr.Endpoint)

	err = client.SendAsync(context.Background(), target, "echo", []byte("x"))
	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, client.ConnState(target))
}

func TestSendAsyncDelivers(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	got := make(chan []byte, 1)
	require.NoError(t, server.RegisterHandler("announce", func(_ context.Context, p []byte) ([]byte, error) {
		got <- p
		return []byte("ignored"), nil
	}))

	require.NoError(t, client.SendAsync(context.Background(), server.LocalEndpoint(), "announce", []byte("term-7")))
	select {
	case p := <-got:
		assert.Equal(t, []byte("term-7"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("async message not delivered")
	}
}

func TestSendBeforeActivate(t *testing.T) {
	tr := NewTransport(Options{Endpoint: Endpoint{Host: "127.0.0.1"}})
	_, err := tr.SendAndReceive(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1}, "echo", nil, time.Second)
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, tr.SendAsync(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1}, "echo", nil), ErrNotActive)
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("echo", func(_ context.Context, p []byte) ([]byte, error) {
		// Reverse the completion order a little.
		if len(p) > 0 && p[len(p)-1]%2 == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		return p, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := []byte(fmt.Sprintf("request-%d", i))
			reply, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", want, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, want, reply)
			}
		}(i)
	}
	wg.Wait()
}

func TestDeactivateFailsPendingRequests(t *testing.T) {
	server := newTestTransport(t)
	client := NewTransport(Options{
		Endpoint:   Endpoint{Host: "127.0.0.1"},
		CloseGrace: 50 * time.Millisecond,
	})
	require.NoError(t, client.Activate())

	started := make(chan struct{})
	require.NoError(t, server.RegisterHandler("hang", func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "hang", nil, 10*time.Second)
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	require.NoError(t, client.Deactivate())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnection)
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on deactivate")
	}
}

func TestRemoteShutdownClosesConnection(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("echo", echo))

	ep := server.LocalEndpoint()
	_, err := client.SendAndReceive(context.Background(), ep, "echo", []byte("x"), time.Second)
	require.NoError(t, err)

	require.NoError(t, server.Deactivate())
	require.Eventually(t, func() bool {
		return client.ConnState(ep) == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.SendAndReceive(context.Background(), ep, "echo", []byte("x"), time.Second)
	require.ErrorIs(t, err, ErrConnection)
}

func TestSendReconnectsPastClosingConnection(t *testing.T) {
	server := newTestTransport(t)
	client := NewTransport(Options{
		Endpoint:       Endpoint{Host: "127.0.0.1"},
		ConnectTimeout: time.Second,
		CloseGrace:     5 * time.Second,
	})
	require.NoError(t, client.Activate())
	t.Cleanup(func() { _ = client.Deactivate() })
	require.NoError(t, server.RegisterHandler("echo", echo))
	ep := server.LocalEndpoint()

	_, err := client.SendAndReceive(context.Background(), ep, "echo", []byte("x"), time.Second)
	require.NoError(t, err)
	client.mu.Lock()
	old := client.conns[ep]
	client.mu.Unlock()

	// An admitted write keeps the old conn draining in CLOSING.
	require.NoError(t, old.admit(0, nil))
	go old.close(errors.New("stale"))
	require.Eventually(t, func() bool {
		return old.State() == StateClosing
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := client.SendAndReceive(context.Background(), ep, "echo", []byte("y"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), reply)
	client.mu.Lock()
	assert.NotSame(t, old, client.conns[ep])
	client.mu.Unlock()

	old.writes.Done()
	<-old.closed
	assert.Equal(t, StateConnected, client.ConnState(ep))
}

func TestActivateDeactivateCycle(t *testing.T) {
	server := NewTransport(Options{Endpoint: Endpoint{Host: "127.0.0.1"}, CloseGrace: 50 * time.Millisecond})
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("echo", echo))

	for i := 0; i < 3; i++ {
		require.NoError(t, server.Activate())
		require.NoError(t, server.Activate())
		assert.True(t, server.IsActive())

		reply, err := client.SendAndReceive(context.Background(), server.LocalEndpoint(), "echo", []byte("cycle"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("cycle"), reply)

		require.NoError(t, server.Deactivate())
		require.NoError(t, server.Deactivate())
		assert.False(t, server.IsActive())
	}
}

func TestContextCancellation(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, server.RegisterHandler("silent", blockUntilCancelled))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := client.SendAndReceive(ctx, server.LocalEndpoint(), "silent", nil, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
