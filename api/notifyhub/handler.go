package notifyhub

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/moyoez/chunkrecv/tool"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	// clients only ever send control frames
	maxClientMessage = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the admin group only admits localhost
	},
}

// HandleNotifyWS upgrades the request and streams upload events until the client leaves.
func HandleNotifyWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			tool.DefaultLogger.Debugf("[Notify] Websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		hub.Register(conn)
		defer hub.Unregister(conn)
		tool.DefaultLogger.Debugf("[Notify] Websocket client %s connected", c.ClientIP())

		conn.SetReadLimit(maxClientMessage)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := hub.ping(conn); err != nil {
						return
					}
				}
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
