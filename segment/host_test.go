package segment

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/etienne-leroy/FTILlite/auxdb"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

func newTestHost(t *testing.T, id int, opts ...func(*Options)) *Host {
	t.Helper()
	rng, err := crypto.NewSeededReader([]byte("segment-test"), protocol.Node{ID: id}.String())
	require.NoError(t, err)
	o := Options{
		Node: protocol.Node{ID: id, Name: "node" + string(rune('0'+id))},
		Log:  testLog,
		Rand: rng,
	}
	for _, f := range opts {
		f(&o)
	}
	h, err := NewHost(o)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func run(t *testing.T, h *Host, command string) string {
	t.Helper()
	resp := h.Execute(context.Background(), command)
	msg, failed := protocol.ParseError(resp)
	require.False(t, failed, "%s: %s", command, msg)
	return resp
}

func TestArithmetic(t *testing.T) {
	h := newTestHost(t, 1)

	require.Equal(t, "array i 10", run(t, h, "newarray 1 10 i 3 7"))
	run(t, h, "arange 1 11 3")
	require.Equal(t, "array i 12", run(t, h, "add 1 12 10 11"))
	require.Equal(t, "intlist 7 8 9", run(t, h, "read 0 12"))

	run(t, h, "floordiv 1 13 11 10")
	require.Equal(t, "intlist 0 0 0", run(t, h, "read 0 13"))

	run(t, h, "newarray 1 14 i 1 2")
	run(t, h, "mul 1 15 12 14")
	require.Equal(t, "intlist 14 16 18", run(t, h, "read 0 15"))

	run(t, h, "gt 1 16 11 14")
	require.Equal(t, "intlist 0 0 0", run(t, h, "read 0 16"))
	run(t, h, "ge 1 16 11 14")
	require.Equal(t, "intlist 0 0 1", run(t, h, "read 0 16"))
	run(t, h, "index 1 17 16")
	require.Equal(t, "intlist 2", run(t, h, "read 0 17"))

	run(t, h, "sum 1 18 12")
	require.Equal(t, "intlist 24", run(t, h, "read 0 18"))
	require.Equal(t, "int 3", run(t, h, "length 0 12"))
}

func TestDivideByZero(t *testing.T) {
	h := newTestHost(t, 2)
	run(t, h, "newarray 1 1 i 2 4")
	run(t, h, "newarray 1 2 i 2 0")

	resp := h.Execute(context.Background(), "div 1 3 1 2")
	msg, failed := protocol.ParseError(resp)
	require.True(t, failed)
	require.Equal(t, "divide by zero", msg)
	require.NotContains(t, h.Handles(), "3")
}

func TestUnknownCommand(t *testing.T) {
	h := newTestHost(t, 1)
	msg, failed := protocol.ParseError(h.Execute(context.Background(), "frobnicate 0"))
	require.True(t, failed)
	require.Contains(t, msg, "unknown command")

	_, failed = protocol.ParseError(h.Execute(context.Background(), "read"))
	require.True(t, failed)
}

func TestInitChecksIdentity(t *testing.T) {
	h := newTestHost(t, 1)
	require.Equal(t, "node 1 node1", run(t, h, "init 0 1 node1"))

	_, failed := protocol.ParseError(h.Execute(context.Background(), "init 0 2 node1"))
	require.True(t, failed)

	run(t, h, "myid 1 5")
	require.Equal(t, "intlist 1", run(t, h, "read 0 5"))
}

func TestSetItemAndShaping(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "newarray 1 1 i 5")
	run(t, h, "newarray 1 2 i 1 1")
	run(t, h, "newarray 1 3 i 1 3")
	run(t, h, "concat 1 4 2 3 2")
	require.Equal(t, "intlist 1 3 1", run(t, h, "read 0 4"))

	require.Equal(t, "ack", run(t, h, "setitem 0 1 4 3 add"))
	require.Equal(t, "intlist 0 6 0 3 0", run(t, h, "read 0 1"))
	require.Equal(t, "ack", run(t, h, "setitem 0 1 4 2 set"))
	require.Equal(t, "intlist 0 1 0 1 0", run(t, h, "read 0 1"))

	run(t, h, "getitem 1 5 1 4")
	require.Equal(t, "intlist 1 1 1", run(t, h, "read 0 5"))

	run(t, h, "slice 1 6 1 1 3")
	require.Equal(t, "intlist 1 0", run(t, h, "read 0 6"))

	run(t, h, "len 1 7 6")
	require.Equal(t, "ack", run(t, h, "setlength 0 1 @7"))
	require.Equal(t, "intlist 0 1", run(t, h, "read 0 1"))

	run(t, h, "broadcast 1 8 2 4")
	require.Equal(t, "intlist 1 1 1 1", run(t, h, "read 0 8"))
	run(t, h, "broadcastlen 1 9 2 8 2")
	require.Equal(t, "intlist 4", run(t, h, "read 0 9"))

	run(t, h, "mux 1 10 4 2 5")
	require.Equal(t, "intlist 1 1 1", run(t, h, "read 0 10"))
	require.Equal(t, "array i 10", run(t, h, "copy 1 10 8"))

	require.Equal(t, "ack", run(t, h, "del 0 8 9 10 404"))
	require.Equal(t, "intlist 1 2 3 4 5 6 7", run(t, h, "list 0"))
}

func TestVerify(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "newarray 1 1 i 3 1")
	require.Equal(t, "bool 1", run(t, h, "verify 0 1"))
	require.Equal(t, "ack", run(t, h, "setitem 0 1 1 1 set"))
	run(t, h, "newarray 1 2 i 1 0")
	run(t, h, "newarray 1 3 i 1 1")
	run(t, h, "setitem 0 1 3 2 set")
	require.Equal(t, "bool 0", run(t, h, "verify 0 1"))
}

func TestCurveArithmetic(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "newarray 1 1 i 2 5")
	run(t, h, "astype 1 2 1 E")
	run(t, h, "astype 1 3 1 I")
	run(t, h, "newrandom 1 4 I 2")
	run(t, h, "astype 1 5 4 E")

	// (5·G)·k == (k·G)·5
	run(t, h, "mul 1 6 2 4")
	run(t, h, "mul 1 7 5 3")
	run(t, h, "eq 1 8 6 7")
	require.Equal(t, "intlist 1 1", run(t, h, "read 0 8"))

	run(t, h, "sub 1 9 2 2")
	run(t, h, "index 1 10 9")
	require.Equal(t, "intlist", run(t, h, "read 0 10"))

	resp := run(t, h, "read 0 2")
	elems, err := protocol.ParseBytesList(resp)
	require.NoError(t, err)
	require.Len(t, elems, 2)
	require.Equal(t, crypto.PointFromInt(5).Bytes(), elems[0])
}

func TestNewRandomBounds(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "newrandom 1 1 i 200 -3 3")
	vs, err := protocol.ParseIntList(run(t, h, "read 0 1"))
	require.NoError(t, err)
	for _, v := range vs {
		require.GreaterOrEqual(t, v, int64(-3))
		require.Less(t, v, int64(3))
	}

	run(t, h, "randomperm 1 2 6")
	perm, err := protocol.ParseIntList(run(t, h, "read 0 2"))
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{0, 1, 2, 3, 4, 5}, perm)

	run(t, h, "newrandom 1 3 b16 4")
	elems, err := protocol.ParseBytesList(run(t, h, "read 0 3"))
	require.NoError(t, err)
	require.Len(t, elems, 4)
	require.Len(t, elems[0], 16)
}

func TestListMapCommands(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "arange 1 1 4")
	run(t, h, "newarray 1 2 i 4 7")
	require.Equal(t, "listmap ii 3", run(t, h, "newlistmap 1 3 pos 1 2"))

	run(t, h, "newarray 1 4 i 1 2")
	run(t, h, "newarray 1 5 i 1 7")
	run(t, h, "listmap_getitem 1 6 3 - 4 5")
	require.Equal(t, "intlist 2", run(t, h, "read 0 6"))

	run(t, h, "newarray 1 7 i 1 9")
	run(t, h, "listmap_getitem 1 8 3 -1 7 5")
	require.Equal(t, "intlist -1", run(t, h, "read 0 8"))
	_, failed := protocol.ParseError(h.Execute(context.Background(), "listmap_getitem 1 8 3 - 7 5"))
	require.True(t, failed)

	run(t, h, "listmap_contains 1 9 3 7 5")
	require.Equal(t, "intlist 0", run(t, h, "read 0 9"))

	run(t, h, "listmap_mergeitem 1 10 3 7 5")
	require.Equal(t, "intlist 5", run(t, h, "read 0 10"))
	run(t, h, "listmap_mergeitem 1 10 3 7 5")
	require.Equal(t, "intlist 5", run(t, h, "read 0 10"))

	msg, failed := protocol.ParseError(h.Execute(context.Background(), "listmap_additem 1 10 3 7 5"))
	require.True(t, failed)
	require.True(t, strings.HasPrefix(msg, protocol.ErrKeyUniqueness.Error()), msg)

	// Remove key (0, 7) at position 0; the tail key (9, 7) moves into it.
	run(t, h, "newarray 1 11 i 1 0")
	run(t, h, "listmap_removeitem 4 12 13 14 15 3 11 5")
	require.Equal(t, "intlist 9", run(t, h, "read 0 12"))
	require.Equal(t, "intlist 4", run(t, h, "read 0 14"))
	require.Equal(t, "intlist 0", run(t, h, "read 0 15"))
	require.Equal(t, "int 4", run(t, h, "length 0 3"))

	run(t, h, "listmap_keys 2 16 17 3")
	require.Equal(t, "intlist 9 1 2 3", run(t, h, "read 0 16"))

	_, failed = protocol.ParseError(h.Execute(context.Background(), "newlistmap 1 20 pos 2"))
	require.True(t, failed)
	require.Equal(t, "listmap i 21", run(t, h, "newlistmap 1 21 any 2"))
	require.Equal(t, "int 1", run(t, h, "length 0 21"))
}

func TestNoiseCommands(t *testing.T) {
	h := newTestHost(t, 1)
	run(t, h, "dpnoise 1 1 1.0 0.000001 3")
	vs, err := protocol.ParseIntList(run(t, h, "read 0 1"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, vs[0], int64(0))

	run(t, h, "diffpriv 1 2 1.0 0.000001")
	_, failed := protocol.ParseError(h.Execute(context.Background(), "diffpriv 1 3 0 0.5"))
	require.True(t, failed)
}

func TestSaveLoad(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "saves.db"))
	require.NoError(t, err)
	h := newTestHost(t, 1, func(o *Options) { o.Store = store })

	run(t, h, "arange 1 1 3")
	run(t, h, "newlistmap 1 2 pos 1")
	require.Equal(t, "ack", run(t, h, "save 0 s1 xs 1"))
	require.Equal(t, "ack", run(t, h, "save 0 s1 keys 2"))

	require.Equal(t, "array i 10", run(t, h, "load 1 10 s1 xs"))
	require.Equal(t, "intlist 0 1 2", run(t, h, "read 0 10"))
	require.Equal(t, "listmap i 11", run(t, h, "load 1 11 s1 keys"))

	require.Equal(t, "ack", run(t, h, "delsession 0 s1"))
	msg, failed := protocol.ParseError(h.Execute(context.Background(), "load 1 12 s1 xs"))
	require.True(t, failed)
	require.Contains(t, msg, ErrNotSaved.Error())
}

func TestAuxDBRead(t *testing.T) {
	src := auxdb.NewMemorySource()
	src.Set("select id, bank from accounts", [][]any{{int64(1), []byte("ab")}, {int64(2), []byte("cd")}})
	h := newTestHost(t, 1, func(o *Options) { o.AuxDB = src })

	query := base64.RawURLEncoding.EncodeToString([]byte("select id, bank from accounts"))
	require.Equal(t, "array i 1 array b2 2", run(t, h, "auxdb_read 2 1 2 i b2 "+query))
	require.Equal(t, "intlist 1 2", run(t, h, "read 0 1"))
	require.Equal(t, "bytearraylist 6162 6364", run(t, h, "read 0 2"))
}

func TestTransmitBetweenHosts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := transport.NewMemoryBroker()
	dial := func(o *Options) {
		o.Dial = func(p protocol.Node, _ string) transport.Client {
			return transport.NewTransferClient(p, broker, testLog)
		}
	}
	a := newTestHost(t, 1, dial)
	b := newTestHost(t, 2, dial)
	done := make(chan error, 2)
	go func() { done <- Listen(ctx, broker, a) }()
	go func() { done <- Listen(ctx, broker, b) }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	directory := "netinit 0 1~node1~mem 2~node2~mem"
	run(t, a, directory)
	run(t, b, directory)

	run(t, a, "arange 1 1 4")
	require.Eventually(t, func() bool {
		return a.Execute(ctx, "transmit 0 2 100 1") == protocol.ReplyAck
	}, testTimeout, testTick)
	require.Equal(t, "intlist 0 1 2 3", run(t, b, "read 0 100"))

	// Transmit to self copies locally.
	require.Equal(t, "ack", run(t, a, "transmit 0 1 101 1"))
	require.Equal(t, "intlist 0 1 2 3", run(t, a, "read 0 101"))

	msg, failed := protocol.ParseError(a.Execute(ctx, "transmit 0 9 102 1"))
	require.True(t, failed)
	require.Contains(t, msg, "not in the directory")
}

func TestTransferQueueOnlyReceives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	broker := transport.NewMemoryBroker()
	h := newTestHost(t, 1)
	done := make(chan error, 1)
	go func() { done <- Listen(ctx, broker, h) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	transfers := transport.NewTransferClient(h.node, broker, testLog)
	defer transfers.Close()
	var resp string
	require.Eventually(t, func() bool {
		var err error
		resp, err = transfers.Run(ctx, "arange 1 1 4", true)
		return err == nil
	}, testTimeout, testTick)
	msg, failed := protocol.ParseError(resp)
	require.True(t, failed)
	require.Contains(t, msg, "not accepted on the transfer queue")

	// Nothing was created by the rejected command.
	_, failed = protocol.ParseError(h.Execute(ctx, "read 0 1"))
	require.True(t, failed)

	// The command queue still runs it.
	commands := transport.NewSegmentClient(h.node, broker, testLog)
	defer commands.Close()
	require.Eventually(t, func() bool {
		var err error
		resp, err = commands.Run(ctx, "arange 1 1 4", true)
		return err == nil
	}, testTimeout, testTick)
	_, failed = protocol.ParseError(resp)
	require.False(t, failed, resp)
	require.Equal(t, "intlist 0 1 2 3", run(t, h, "read 0 1"))
}

func TestHTTPHandler(t *testing.T) {
	h := newTestHost(t, 1)
	r := chi.NewRouter()
	NewHandler(h).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := transport.NewHTTPClient(h.Node(), srv.URL, nil)
	defer c.Close()

	resp, err := c.Run(context.Background(), "arange 1 7 3", true)
	require.NoError(t, err)
	assert.Equal(t, "array i 7", resp)

	resp, err = c.Run(context.Background(), "read 0 7", true)
	require.NoError(t, err)
	assert.Equal(t, "intlist 0 1 2", resp)

	res, err := http.Get(srv.URL + "/segment/handles")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "intlist 7", string(body))

	res, err = http.Post(srv.URL+transport.CommandPath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
