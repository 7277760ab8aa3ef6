package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	request          string
	responseRequired bool
}

// fakeClient answers commands with a canned function and records every
// request it receives.
type fakeClient struct {
	mu     sync.Mutex
	calls  []call
	answer func(request string) (string, error)
}

func (c *fakeClient) Run(_ context.Context, request string, responseRequired bool) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{request, responseRequired})
	c.mu.Unlock()
	if !responseRequired {
		return protocol.ReplyAck, nil
	}
	return c.answer(request)
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.request
	}
	return out
}

// echoResults answers "<op> <n> <h1..hn> ..." with one int array per handle.
func echoResults(request string) (string, error) {
	fields := strings.Fields(request)
	var rs []protocol.Result
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", err
	}
	for _, h := range fields[2 : 2+n] {
		rs = append(rs, protocol.Result{Kind: protocol.KindArray, TypeCode: protocol.Int, Handle: h})
	}
	if n == 0 {
		return protocol.ReplyAck, nil
	}
	return protocol.FormatResults(rs...), nil
}

var (
	node1 = protocol.Node{ID: 1, Name: "node1"}
	node2 = protocol.Node{ID: 2, Name: "node2"}
	node3 = protocol.Node{ID: 3, Name: "node3"}
)

func newFakeManager(t *testing.T, answers map[int]func(string) (string, error)) (*Manager, map[int]*fakeClient) {
	t.Helper()
	fakes := make(map[int]*fakeClient)
	clients := make(map[int]transport.Client)
	for _, n := range []protocol.Node{node1, node2, node3} {
		answer := answers[n.ID]
		if answer == nil {
			answer = echoResults
		}
		fakes[n.ID] = &fakeClient{answer: answer}
		clients[n.ID] = fakes[n.ID]
	}
	m, err := NewManager(Config{Nodes: protocol.NewNodeSet(node1, node2, node3), Clients: clients})
	require.NoError(t, err)
	return m, fakes
}

func TestProcessRegistersHandles(t *testing.T) {
	m, _ := newFakeManager(t, nil)
	scope := protocol.NewNodeSet(node1, node2)

	resp, err := m.Process(context.Background(), protocol.Template("arange", 1, "4"), 1, scope)
	require.NoError(t, err)
	rs, err := protocol.ParseResults(resp)
	require.NoError(t, err)
	require.Len(t, rs, 1)

	e, ok := m.Registry().Lookup(rs[0].Handle)
	require.True(t, ok)
	require.Equal(t, protocol.Int, e.TypeCode)
	require.True(t, e.Scope.Equal(scope))
}

func TestProcessErrorCleansUpEveryNode(t *testing.T) {
	m, fakes := newFakeManager(t, map[int]func(string) (string, error){
		2: func(string) (string, error) { return protocol.FormatError("divide by zero"), nil },
	})
	all := protocol.NewNodeSet(node1, node2, node3)

	_, err := m.Process(context.Background(), protocol.Template("div", 1, "10", "11"), 1, all)
	require.Error(t, err)
	require.ErrorIs(t, err, protocol.ErrRemoteArithmetic)

	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	failures := remote.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, node2, failures[0].Node)
	require.Equal(t, "divide by zero", failures[0].Msg)

	// The provisional handle is the first one bound into the command.
	handle := strings.Fields(fakes[1].requests()[0])[2]
	for _, id := range []int{1, 2, 3} {
		reqs := fakes[id].requests()
		require.Len(t, reqs, 2, "node %d", id)
		require.Equal(t, "cleanup 0 "+handle, reqs[1], "node %d", id)
	}
	require.Equal(t, 0, m.Registry().Len())
}

func TestProcessDisagreementIsTypeMismatch(t *testing.T) {
	m, fakes := newFakeManager(t, map[int]func(string) (string, error){
		3: func(req string) (string, error) {
			return strings.Replace(mustEcho(req), " i ", " f ", 1), nil
		},
	})

	_, err := m.Process(context.Background(), protocol.Template("astype", 1, "5", "f"), 1, m.Nodes())
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)
	require.Len(t, fakes[1].requests(), 2)
	require.Equal(t, 0, m.Registry().Len())
}

func mustEcho(req string) string {
	resp, _ := echoResults(req)
	return resp
}

func TestProcessTransportFailure(t *testing.T) {
	m, _ := newFakeManager(t, map[int]func(string) (string, error){
		1: func(string) (string, error) { return "", protocol.ErrTransport },
	})
	_, err := m.Process(context.Background(), protocol.Template("list", 0), 0, m.Nodes())
	require.ErrorIs(t, err, protocol.ErrTransport)
}

func TestProcessRejectsUnknownScope(t *testing.T) {
	m, fakes := newFakeManager(t, nil)
	stranger := protocol.Node{ID: 9, Name: "stranger"}
	_, err := m.Process(context.Background(), protocol.Template("list", 0), 0, protocol.NewNodeSet(node1, stranger))
	require.ErrorIs(t, err, protocol.ErrScopeViolation)
	require.Empty(t, fakes[1].requests())

	_, err = m.Process(context.Background(), protocol.Template("list", 0), 0, protocol.NewNodeSet())
	require.ErrorIs(t, err, protocol.ErrScopeViolation)
}

func TestFlushBatchesDeletions(t *testing.T) {
	m, fakes := newFakeManager(t, nil)
	resp, err := m.Process(context.Background(), protocol.Template("arange", 2, "4"), 2, m.Nodes())
	require.NoError(t, err)
	rs, err := protocol.ParseResults(resp)
	require.NoError(t, err)

	m.Deletions().Enqueue(rs[0].Handle, protocol.NewNodeSet(node1))
	m.Deletions().Enqueue(rs[1].Handle, m.Nodes())
	require.Equal(t, 4, m.Deletions().Len())

	_, err = m.Process(context.Background(), protocol.Template("list", 0), 0, protocol.NewNodeSet(node2))
	require.NoError(t, err)
	require.Equal(t, 0, m.Deletions().Len())

	require.Equal(t, "del 0 "+rs[0].Handle+" "+rs[1].Handle, fakes[1].requests()[1])
	require.Equal(t, "del 0 "+rs[1].Handle, fakes[3].requests()[1])

	e, ok := m.Registry().Lookup(rs[0].Handle)
	require.True(t, ok)
	require.True(t, e.Scope.Equal(protocol.NewNodeSet(node2, node3)))
	require.False(t, m.Registry().Contains(rs[1].Handle))
}
