//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

//go:build linux
// +build linux

package txthread_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txthread/txthread"
	"github.com/txthread/txthread/tsocket"
)

// freeAddr reserves an ephemeral port by briefly binding to it, so the
// caller has a concrete address to pass to txthread.Listen.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// echoFactory wires a tsocket.Conn that writes back whatever it reads and
// schedules the send on the owning thread, the way an application protocol
// built on tsocket would.
func echoFactory(th *txthread.ThreadContext) txthread.SocketFactory {
	return func(fd int, local, remote net.Addr) (txthread.TSocket, error) {
		c := tsocket.New(fd, txthread.NoZeroCopy, local, remote,
			func(conn *tsocket.Conn, n int) {
				data := make([]byte, conn.Unread())
				if _, err := conn.Read(data); err != nil {
					return
				}
				if _, err := conn.Write(data); err != nil {
					return
				}
				th.ScheduleSend(conn)
			},
			func(*tsocket.Conn, error) {},
			th.RemoveSocket,
		)
		return c, nil
	}
}

// TestConnectAndEcho is the "connect + echo" end-to-end scenario: a client
// connection delivered through the accept queue must observe the bytes it
// sent reflected back.
func TestConnectAndEcho(t *testing.T) {
	addr := freeAddr(t)
	th, err := txthread.Listen(txthread.Config{ListenAddress: addr})
	require.NoError(t, err)
	th.SetFactory(echoFactory(th))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- th.Run(ctx) }()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

// TestOrderlyShutdown exercises CloseAccept followed by every client
// disconnecting: the loop must reach Stopped (Run returns) entirely through
// RemoveSocket's own conditional StopThread, with no explicit force-stop of
// clients needed once they hang up on their own.
func TestOrderlyShutdown(t *testing.T) {
	addr := freeAddr(t)
	th, err := txthread.Listen(txthread.Config{ListenAddress: addr})
	require.NoError(t, err)
	th.SetFactory(echoFactory(th))

	runErr := make(chan error, 1)
	go func() { runErr <- th.Run(context.Background()) }()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)

	th.Stop()
	require.NoError(t, conn.Close())

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not reach Stopped after CloseAccept plus client hangup")
	}
}

// TestMultiLoopAcceptBalancing starts a Group of loops sharing one
// SO_REUSEPORT address and asserts every connection the kernel hands out is
// accepted by exactly one of them, and the total matches what was dialed.
func TestMultiLoopAcceptBalancing(t *testing.T) {
	addr := freeAddr(t)
	const numThreads = 2
	const numClients = 20

	g, err := txthread.NewGroup(numThreads, txthread.Config{ListenAddress: addr}, false)
	require.NoError(t, err)
	for _, th := range g.Threads() {
		th.SetFactory(echoFactory(th))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(context.Background()) }()

	conns := make([]net.Conn, 0, numClients)
	for i := 0; i < numClients; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	total := 0
	for _, th := range g.Threads() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			sock, ok := th.AcceptQueue().Pop(ctx)
			cancel()
			if !ok {
				break
			}
			_ = sock
			total++
		}
	}
	assert.Equal(t, numClients, total)

	for _, c := range conns {
		c.Close()
	}
	g.Stop()

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Group.Run did not return after Stop")
	}
}
