// Package notify fans upload lifecycle events out to websocket clients and an
// optional local Unix socket listener.
package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

// NotifyWriteChunkSize is the chunk size when writing payload to Unix socket (avoid large single write).
const NotifyWriteChunkSize = 32 * 1024 // 32KB

var (
	// UnixSocketTimeout is the timeout for Unix socket operations
	UnixSocketTimeout = 3 * time.Second

	ErrSocketNotFound  = errors.New("unix socket not found")
	ErrPayloadTooLarge = errors.New("notification payload too large")
)

// Hub broadcasts a notification to connected clients. Implemented by notifyhub.Hub.
type Hub interface {
	Broadcast(notification *types.Notification)
}

// Dispatcher turns receiver events into notifications.
type Dispatcher struct {
	hub        Hub
	socketPath string
	// chunk events go to the hub only; the socket gets lifecycle changes
	sendSocket func(*types.Notification, string) error
}

// NewDispatcher returns a dispatcher; hub may be nil and socketPath may be empty.
func NewDispatcher(hub Hub, socketPath string) *Dispatcher {
	return &Dispatcher{hub: hub, socketPath: socketPath, sendSocket: SendNotification}
}

// Observe satisfies receiver.Observer.
func (d *Dispatcher) Observe(ev receiver.Event) {
	n := FromEvent(ev)
	if d.hub != nil {
		d.hub.Broadcast(n)
	}
	if d.socketPath == "" || ev.Type == types.NotifyTypeChunkAccepted {
		return
	}
	go func() {
		if err := d.sendSocket(n, d.socketPath); err != nil {
			tool.DefaultLogger.Debugf("[Notify] %v", err)
		}
	}()
}

// FromEvent builds the wire notification for ev.
func FromEvent(ev receiver.Event) *types.Notification {
	n := &types.Notification{
		Type: ev.Type,
		Data: map[string]any{
			"uploadId": ev.UploadID,
			"received": ev.Received,
		},
	}
	if ev.Total > 0 {
		n.Data["total"] = ev.Total
	}
	switch ev.Type {
	case types.NotifyTypeChunkAccepted:
		n.Title = "Chunk Received"
		if ev.Total > 0 {
			n.Message = fmt.Sprintf("Upload %s: %d/%d chunks", ev.UploadID, ev.Received, ev.Total)
		} else {
			n.Message = fmt.Sprintf("Upload %s: %d chunks", ev.UploadID, ev.Received)
		}
	case types.NotifyTypeUploadCompleted:
		n.Title = "Upload Completed"
		n.Message = fmt.Sprintf("Upload %s completed", ev.UploadID)
		if a := ev.Artifact; a != nil {
			n.Message = fmt.Sprintf("Received %s (%s)", a.FileName, tool.HumanSize(a.Size))
			n.Data["fileName"] = a.FileName
			n.Data["fileType"] = a.FileType
			n.Data["size"] = a.Size
			n.Data["path"] = a.Path
			n.Data["sha256"] = a.SHA256
		}
	case types.NotifyTypeUploadAbandoned:
		n.Title = "Upload Abandoned"
		n.Message = fmt.Sprintf("Upload %s expired or was cancelled", ev.UploadID)
	default:
		n.Title = "Upload Event"
		n.Message = fmt.Sprintf("Upload event: %s, uploadId=%s", ev.Type, ev.UploadID)
	}
	return n
}

// SendNotification writes one length-prefixed JSON notification to the Unix socket at socketPath.
func SendNotification(notification *types.Notification, socketPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrSocketNotFound, socketPath)
	}

	payload := []byte("{}")
	if notification != nil {
		var err error
		payload, err = sonic.Marshal(notification)
		if err != nil {
			return fmt.Errorf("failed to serialize notification data: %w", err)
		}
	}
	if len(payload) > NotifyWriteChunkSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), NotifyWriteChunkSize)
	}

	conn, err := net.DialTimeout("unix", socketPath, UnixSocketTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to Unix socket %s: %w", socketPath, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			tool.DefaultLogger.Errorf("Failed to close Unix socket connection: %v", err)
		}
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set write deadline: %v", err)
	}

	// 4 byte little-endian length prefix, then the payload
	lengthBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthBuf, uint32(len(payload)))
	if _, err := conn.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write length to Unix socket: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload to Unix socket: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read response from Unix socket: %w", err)
	}
	if n > 0 {
		var response map[string]any
		if err := sonic.Unmarshal(buf[:n], &response); err != nil {
			tool.DefaultLogger.Debugf("Unix socket response (raw): %s", string(buf[:n]))
		} else if errMsg, ok := response["error"].(string); ok && errMsg != "" {
			return fmt.Errorf("server returned error: %s", errMsg)
		}
	}

	if notification != nil {
		tool.DefaultLogger.Infof("[UnixSocket] Notification sent: %s - %s", notification.Type, notification.Title)
	}
	return nil
}
