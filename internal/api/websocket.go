package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/events"
	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/offline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	replayTimeout  = 2 * time.Minute
)

// HubConfig holds the hub's collaborators
type HubConfig struct {
	Bus            *events.Bus
	Queue          *offline.Queue
	Replayer       *offline.Replayer
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// Hub connects application instances to the event bus over websockets
type Hub struct {
	bus      *events.Bus
	queue    *offline.Queue
	replayer *offline.Replayer
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewHub creates a hub
func NewHub(hubConfig HubConfig) *Hub {
	allowed := make(map[string]bool, len(hubConfig.AllowedOrigins))
	allowAll := len(hubConfig.AllowedOrigins) == 0
	for _, origin := range hubConfig.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return &Hub{
		bus:      hubConfig.Bus,
		queue:    hubConfig.Queue,
		replayer: hubConfig.Replayer,
		logger:   hubConfig.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

type hubClient struct {
	conn    *websocket.Conn
	replies chan models.Message
	// done closes when the reader returns, writerDone when the writer does
	done       chan struct{}
	writerDone chan struct{}
}

// ServeWS upgrades the request and relays bus messages until the peer leaves
func (hub *Hub) ServeWS(c *gin.Context) {
	// subscribe first so nothing published after the handshake is missed
	messages, unsubscribe := hub.bus.Subscribe()

	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		hub.logger.Debugf("Websocket upgrade failed: %v", err)
		return
	}

	client := &hubClient{
		conn:       conn,
		replies:    make(chan models.Message, 8),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go func() {
		defer close(client.writerDone)
		hub.writePump(client, messages)
		// unblocks readPump when the writer gave up first
		conn.Close()
	}()

	hub.logger.WithField("remote", conn.RemoteAddr().String()).Info("Application instance connected")
	hub.readPump(client)

	close(client.done)
	unsubscribe()
	<-client.writerDone
	hub.logger.WithField("remote", conn.RemoteAddr().String()).Info("Application instance disconnected")
}

func (hub *Hub) readPump(client *hubClient) {
	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var inbound models.Message
		if err := client.conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Warnf("Websocket read failed: %v", err)
			}
			return
		}
		hub.handleInbound(client, inbound)
	}
}

func (hub *Hub) handleInbound(client *hubClient, inbound models.Message) {
	switch inbound.Type {
	case models.MessageSyncTransactions:
		// the outcome reaches every instance as SYNC_COMPLETE
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
			defer cancel()
			if _, err := hub.replayer.Replay(ctx); err != nil {
				hub.logger.Errorf("Requested replay failed: %v", err)
			}
		}()
	case models.MessageGetQueueCount:
		count, err := hub.queue.Count(context.Background())
		if err != nil {
			hub.logger.Warnf("Failed to read queue length: %v", err)
			return
		}
		reply := models.Message{Type: models.MessageQueueCount, Count: &count, Timestamp: time.Now().UnixMilli()}
		select {
		case client.replies <- reply:
		case <-client.done:
		case <-client.writerDone:
		}
	default:
		hub.logger.Debugf("Ignoring websocket message of type %q", inbound.Type)
	}
}

func (hub *Hub) writePump(client *hubClient, messages <-chan models.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var message models.Message
		select {
		case <-client.done:
			return
		case next, ok := <-messages:
			if !ok {
				// bus closed on shutdown
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			message = next
		case message = <-client.replies:
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteJSON(message); err != nil {
			hub.logger.Debugf("Websocket write failed: %v", err)
			return
		}
	}
}
