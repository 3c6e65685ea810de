package grpcPack

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/feed"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/history"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

const bufSize = 1024 * 1024

type leader struct {
	manager *execution.Manager
	store   *storage.MemStore
	conn    *grpc.ClientConn
}

func acct(id string) ledger.EntryKey {
	return ledger.EntryKey{Type: ledger.EntryTypeAccount, ID: id}
}

func startLeader(t *testing.T) *leader {
	t.Helper()
	archive, err := history.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	store := storage.NewMemStore(nil, nil, zerolog.Nop())
	manager, err := execution.NewManager(store, archive, execution.ManagerOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	hub := feed.NewHub(nil, zerolog.Nop())
	manager.Subscribe(hub)

	lis := bufconn.Listen(bufSize)
	s := NewGRPCServer(NewServer(archive, hub, 4, zerolog.Nop()), zerolog.Nop())
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := Dial("bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &leader{manager: manager, store: store, conn: conn}
}

func (l *leader) close(t *testing.T, ops ...execution.Operation) *execution.ClosedLedger {
	t.Helper()
	data := execution.CloseData{}
	if len(ops) > 0 {
		data.Transactions = []execution.Transaction{{Source: "test", Operations: ops}}
	}
	cl, err := l.manager.CloseLedger(context.Background(), data)
	require.NoError(t, err)
	return cl
}

func TestGetLedger(t *testing.T) {
	l := startLeader(t)
	client := NewReplicationClient(l.conn)
	ctx := context.Background()

	_, err := client.GetLedger(ctx, &GetLedgerRequest{})
	assert.Equal(t, codes.NotFound, status.Code(err), "nothing closed yet")

	first := l.close(t, execution.Create(ledger.NewEntry(acct("a"), []byte("1"))))
	second := l.close(t, execution.Delete(acct("a")))

	msg, err := client.GetLedger(ctx, &GetLedgerRequest{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, first.Header, msg.Header)
	assert.Equal(t, first.Meta, msg.Meta)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, execution.TxSuccess, msg.Results[0].Code)

	latest, err := client.GetLedger(ctx, &GetLedgerRequest{})
	require.NoError(t, err)
	assert.Equal(t, second.Hash(), latest.Header.Hash())

	_, err = client.GetLedger(ctx, &GetLedgerRequest{Seq: 9})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestFollowerReplicatesArchivedAndLiveLedgers(t *testing.T) {
	l := startLeader(t)
	l.close(t, execution.Create(ledger.NewEntry(acct("a"), []byte("1"))))
	l.close(t, execution.Create(ledger.NewEntry(acct("b"), []byte("2"))))

	followerStore := storage.NewMemStore(nil, nil, zerolog.Nop())
	follower, err := execution.NewManager(followerStore, nil, execution.ManagerOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewFollower(l.conn, follower, zerolog.Nop()).Run(ctx) }()

	require.Eventually(t, func() bool { return follower.LastClosed().Seq == 2 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 6; i++ {
		l.close(t, execution.Upsert(ledger.NewEntry(acct("a"), []byte{byte(i)})))
	}
	last := l.close(t, execution.Delete(acct("b")))

	require.Eventually(t, func() bool { return follower.LastClosed().Seq == last.Header.Seq }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, last.Hash(), follower.LastClosed().Hash())

	ctx2 := context.Background()
	got, ok, err := followerStore.Load(ctx2, acct("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{5}, got.Body)
	ok, err = followerStore.Exists(ctx2, acct("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop")
	}
}

func TestFollowerStopsOnDivergence(t *testing.T) {
	l := startLeader(t)
	l.close(t, execution.Create(ledger.NewEntry(acct("a"), []byte("1"))))

	// a follower that already closed its own ledger 1 cannot take the leader's
	local, err := execution.NewManager(storage.NewMemStore(nil, nil, zerolog.Nop()), nil, execution.ManagerOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = local.CloseLedger(context.Background(), execution.CloseData{CloseTime: 1})
	require.NoError(t, err)
	l.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = NewFollower(l.conn, local, zerolog.Nop()).Run(ctx)
	require.Error(t, err)
	assert.True(t, ledgerErr.IsInvalidInput(err))
}

func TestConvertError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "x"), codes.NotFound},
		{ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "x"), codes.InvalidArgument},
		{ledgerErr.Newf(ledgerErr.ErrorTypeValidation, "x"), codes.InvalidArgument},
		{ledgerErr.Newf(ledgerErr.ErrorTypeTimeout, "x"), codes.DeadlineExceeded},
		{ledgerErr.Newf(ledgerErr.ErrorTypeStorage, "x"), codes.Unavailable},
		{ledgerErr.Newf(ledgerErr.ErrorTypeInvariantViolation, "x"), codes.Internal},
		{context.Canceled, codes.Canceled},
		{status.Error(codes.Aborted, "x"), codes.Aborted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(convertError(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, convertError(nil))
}

func TestUnaryInterceptorRecoversPanics(t *testing.T) {
	_, err := UnaryErrorInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: getLedgerMethod},
		func(context.Context, interface{}) (interface{}, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
