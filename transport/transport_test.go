package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testNode = protocol.Node{ID: 2, Name: "peer2"}
	testLog  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// echoNode answers every command on node's incoming queue with reply(body).
func echoNode(t *testing.T, b *MemoryBroker, reply func(corr, body string) (string, string)) func() {
	t.Helper()
	ch, err := b.Channel(context.Background())
	require.NoError(t, err)
	require.NoError(t, ch.DeclareQueue(protocol.IncomingQueue(testNode.ID)))
	deliveries, err := ch.Consume(protocol.IncomingQueue(testNode.ID))
	require.NoError(t, err)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case msg := <-deliveries:
				env, err := protocol.UnmarshalMessage[protocol.Envelope](msg.Body)
				require.NoError(t, err)
				body, err := env.Body()
				require.NoError(t, err)
				if !env.WantsResponse() {
					continue
				}
				corr, resp := reply(msg.CorrelationID, body)
				ch.Publish(context.Background(), msg.ReplyTo, Message{CorrelationID: corr, Body: []byte(resp)})
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		ch.Close()
	}
}

func newTestClient(b *MemoryBroker) *SegmentClient {
	c := NewSegmentClient(testNode, b, testLog)
	c.BaseDelay = time.Millisecond
	c.MaxDelay = 5 * time.Millisecond
	return c
}

func TestRunRoundTrip(t *testing.T) {
	b := NewMemoryBroker()
	stop := echoNode(t, b, func(corr, body string) (string, string) { return corr, "echo " + body })
	defer stop()

	c := newTestClient(b)
	defer c.Close()

	resp, err := c.Run(context.Background(), "list 0", true)
	require.NoError(t, err)
	require.Equal(t, "echo list 0", resp)

	resp, err = c.Run(context.Background(), "del 0 5", false)
	require.NoError(t, err)
	require.Equal(t, protocol.ReplyAck, resp)

	resp, err = c.Run(context.Background(), "list 0", true)
	require.NoError(t, err)
	require.Equal(t, "echo list 0", resp)
}

func TestRunRetriesLostConnections(t *testing.T) {
	b := NewMemoryBroker()
	stop := echoNode(t, b, func(corr, body string) (string, string) { return corr, "ok" })
	defer stop()

	c := newTestClient(b)
	defer c.Close()

	b.FailDials(RetryAttempts - 1)
	resp, err := c.Run(context.Background(), "list 0", true)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestRunExhaustsAttempts(t *testing.T) {
	b := NewMemoryBroker()
	c := newTestClient(b)
	defer c.Close()

	b.FailDials(RetryAttempts)
	_, err := c.Run(context.Background(), "list 0", true)
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Contains(t, err.Error(), "number of attempts exceeded")
}

func TestRunUnroutableIsNotRetried(t *testing.T) {
	b := NewMemoryBroker()
	c := newTestClient(b)
	defer c.Close()

	_, err := c.Run(context.Background(), "list 0", true)
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, ErrUnroutable)
}

func TestRunCorrelationMismatchIsFatal(t *testing.T) {
	b := NewMemoryBroker()
	stop := echoNode(t, b, func(corr, body string) (string, string) { return corr + "0", "ok" })
	defer stop()

	c := newTestClient(b)
	defer c.Close()

	_, err := c.Run(context.Background(), "list 0", true)
	require.ErrorIs(t, err, ErrCorrelationMismatch)
	require.NotErrorIs(t, err, protocol.ErrTransport)
}

func TestRunHonoursContext(t *testing.T) {
	b := NewMemoryBroker()
	ch, err := b.Channel(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.DeclareQueue(protocol.IncomingQueue(testNode.ID)))

	c := newTestClient(b)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Run(ctx, "list 0", true)
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		env, err := protocol.DecodeMessage[protocol.Envelope](r.Body)
		require.NoError(t, err)
		body, err := env.Body()
		require.NoError(t, err)
		w.Write([]byte("echo " + body))
	}))
	defer srv.Close()

	c := NewHTTPClient(testNode, srv.URL, nil)
	defer c.Close()
	resp, err := c.Run(context.Background(), "list 0", true)
	require.NoError(t, err)
	require.Equal(t, "echo list 0", resp)
	require.Equal(t, int32(2), calls.Load())
}
