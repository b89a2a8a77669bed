package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventClient 单个 WebSocket 订阅者
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub 将领域事件推送给 WebSocket 订阅者
//
// 订阅者队列写满时丢弃该订阅者的消息，事件流不等待慢客户端。
type EventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	logger  *log.Helper
}

// NewEventHub 创建事件推送中心并挂接到事件总线
func NewEventHub(bus *biz.EventBus, logger log.Logger) *EventHub {
	h := &EventHub{
		clients: make(map[*eventClient]struct{}),
		logger:  log.NewHelper(log.With(logger, "module", "server/ws")),
	}
	bus.SubscribeAll(domain.EventListenerFunc(h.broadcast))
	return h
}

// Serve 升级连接并持续推送事件
func (h *EventHub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan []byte, clientSendSize),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	connected := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(connected))

	go h.writePump(client)
	h.readPump(client)
}

// broadcast 将事件分发给所有订阅者
func (h *EventHub) broadcast(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warnf("event %s not serializable: %v", event.ID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 慢客户端，丢弃本条
		}
	}
}

// readPump 消费入站帧直到连接关闭
func (h *EventHub) readPump(client *eventClient) {
	defer h.remove(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 推送事件与心跳
func (h *EventHub) writePump(client *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove 注销订阅者
func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	connected := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	metrics.WebsocketClients.Set(float64(connected))
}
