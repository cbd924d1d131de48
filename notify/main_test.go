package notify

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/types"
)

type fakeHub struct {
	mu   sync.Mutex
	sent []*types.Notification
}

func (h *fakeHub) Broadcast(n *types.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, n)
}

func TestFromEvent(t *testing.T) {
	n := FromEvent(receiver.Event{
		Type:     types.NotifyTypeUploadCompleted,
		UploadID: "u1",
		Received: 3,
		Total:    3,
		Artifact: &types.Artifact{FileName: "a.txt", Size: 2048, Path: "/in/a.txt"},
	})
	assert.Equal(t, "Upload Completed", n.Title)
	assert.Equal(t, "Received a.txt (2KiB)", n.Message)
	assert.Equal(t, "/in/a.txt", n.Data["path"])
	assert.Equal(t, 3, n.Data["total"])

	n = FromEvent(receiver.Event{Type: types.NotifyTypeChunkAccepted, UploadID: "u1", Received: 1})
	assert.Equal(t, "Upload u1: 1 chunks", n.Message)
	assert.NotContains(t, n.Data, "total")
}

func TestDispatcher_Observe(t *testing.T) {
	hub := &fakeHub{}
	d := NewDispatcher(hub, "/tmp/sock")
	sent := make(chan string, 4)
	d.sendSocket = func(n *types.Notification, _ string) error {
		sent <- n.Type
		return nil
	}

	d.Observe(receiver.Event{Type: types.NotifyTypeChunkAccepted, UploadID: "u"})
	d.Observe(receiver.Event{Type: types.NotifyTypeUploadAbandoned, UploadID: "u"})

	select {
	case got := <-sent:
		assert.Equal(t, types.NotifyTypeUploadAbandoned, got)
	case <-time.After(time.Second):
		t.Fatal("socket notification not sent")
	}
	assert.Len(t, hub.sent, 2)
	assert.Empty(t, sent, "chunk events stay off the socket")
}

func TestSendNotification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan types.Notification, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var size uint32
		if err := binary.Read(conn, binary.LittleEndian, &size); err != nil {
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		var n types.Notification
		_ = sonic.Unmarshal(buf, &n)
		got <- n
		_, _ = conn.Write([]byte(`{"status":"ok"}`))
	}()

	err = SendNotification(&types.Notification{Type: types.NotifyTypeUploadCompleted, Title: "done"}, path)
	require.NoError(t, err)
	n := <-got
	assert.Equal(t, "done", n.Title)
}

func TestSendNotification_MissingSocket(t *testing.T) {
	err := SendNotification(&types.Notification{}, filepath.Join(t.TempDir(), "none.sock"))
	assert.ErrorIs(t, err, ErrSocketNotFound)
}
