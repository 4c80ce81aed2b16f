package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradejs/errs"
)

func TestFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Message{Kind: KindStatus, Payload: json.RawMessage(`{"price":1}`)}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadFrame(truncated)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChannelPreservesSendOrder(t *testing.T) {
	left, right := net.Pipe()
	a := NewChannel(left)
	b := NewChannel(right)
	defer a.Close()
	defer b.Close()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			payload, _ := NewPayload(map[string]int{"seq": i})
			if err := a.Send(Message{Kind: KindStatus, Payload: payload}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case msg := <-b.Inbound():
			var body struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(msg.Payload, &body))
			require.Equal(t, i, body.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestChannelSendAfterPeerClose(t *testing.T) {
	left, right := net.Pipe()
	a := NewChannel(left)
	b := NewChannel(right)
	require.NoError(t, b.Close())

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not observe peer close")
	}

	err := a.Send(Message{Kind: KindRequest, ID: "1", Command: "read"})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeChannelClosed))

	_, open := <-a.Inbound()
	require.False(t, open)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	c := NewChannel(left)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Err())
}

func TestUnixSocketAcceptDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.sock")
	server, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	defer server.Close()
	require.ErrorIs(t, server.Listen(), ErrAlreadyListening)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := server.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := NewClient(path)
	require.NoError(t, err)
	conn, err := client.Dial(ctx)
	require.NoError(t, err)

	hostSide := NewChannel(<-accepted)
	workerSide := NewChannel(conn)
	defer hostSide.Close()
	defer workerSide.Close()

	require.NoError(t, workerSide.Send(Message{Kind: KindReady}))
	msg := <-hostSide.Inbound()
	require.Equal(t, KindReady, msg.Kind)
}

func TestUnixSocketAcceptHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idle.sock")
	server, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = server.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoveIfExistsRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.ErrorIs(t, RemoveIfExists(path), ErrPathNotSocket)
	require.NoError(t, RemoveIfExists(filepath.Join(t.TempDir(), "missing")))
	_, err := NewServer("")
	require.ErrorIs(t, err, ErrEmptyPath)
}
