package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/raftlog"
	"github.com/sqlraftdb/sqlraft/internal/transport"
)

func TestHandshakeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = transport.WriteHandshake(client, transport.Handshake{ServerID: 7, Address: "10.0.0.1:9000"})
	}()

	hs, err := transport.ReadHandshake(server)
	require.NoError(t, err)
	require.Equal(t, uint64(7), hs.ServerID)
	require.Equal(t, "10.0.0.1:9000", hs.Address)
}

func TestSendAndAccept(t *testing.T) {
	accepted := make(chan uint64, 1)
	srv := transport.New(1, nil, func(id uint64, address string, conn net.Conn) {
		accepted <- id
	}, raftlog.Discard)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	addr := srv.ListenAddr()

	dial := func(ctx context.Context, a string) (net.Conn, error) {
		return net.Dial("tcp", a)
	}
	cli := transport.New(2, dial, func(uint64, string, net.Conn) {}, raftlog.Discard)
	defer cli.Close()

	done := make(chan error, 1)
	cli.Send(1, addr, []byte("hello"), func(err error) { done <- err })

	select {
	case id := <-accepted:
		require.Equal(t, uint64(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}
