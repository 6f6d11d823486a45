package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/messaging"
	"github.com/royengg/yunami-bot/internal/models"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler обрабатывает запросы на установку WebSocket соединения.
type WebSocketHandler struct {
	manager *ConnectionManager
	logger  *zap.Logger
}

// NewWebSocketHandler создает новый обработчик WebSocket.
func NewWebSocketHandler(manager *ConnectionManager, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		logger:  logger.Named("WebSocketHandler"),
	}
}

// RegisterRoutes регистрирует маршрут WebSocket.
func (h *WebSocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.serveWS)
}

// serveWS обновляет HTTP запрос до WebSocket. Участник идентифицируется
// query-параметром participant_id.
func (h *WebSocketHandler) serveWS(c echo.Context) error {
	participantID := c.QueryParam("participant_id")
	if participantID == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "participant_id query parameter is required"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("participantID", participantID), zap.Error(err))
		return nil
	}
	h.logger.Info("WebSocket connection established", zap.String("participantID", participantID))

	client := &Client{
		ParticipantID: participantID,
		Conn:          conn,
		send:          make(chan []byte, 256),
	}
	h.manager.RegisterClient(client)

	go client.writePump(h.logger.With(zap.String("participantID", participantID)))
	go client.readPump(h.manager, h.logger.With(zap.String("participantID", participantID)))
	return nil
}

// readPump откачивает сообщения от WebSocket соединения. Клиент ничего не
// присылает по делу, но чтение нужно для обработки pong и закрытия.
func (c *Client) readPump(manager *ConnectionManager, logger *zap.Logger) {
	defer func() {
		manager.UnregisterClient(c.ParticipantID)
		_ = c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}
		logger.Warn("Received unexpected message from client (ignored)",
			zap.Int("size", len(message)))
	}
}

// writePump откачивает сообщения из канала send в WebSocket соединение.
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// wsUpdatePublisher доставляет обновления отрисовки напрямую в открытые
// WebSocket соединения. Используется, когда брокер не сконфигурирован.
type wsUpdatePublisher struct {
	manager *ConnectionManager
	logger  *zap.Logger
}

var _ messaging.ClientUpdatePublisher = (*wsUpdatePublisher)(nil)

// NewWSUpdatePublisher создает ClientUpdatePublisher поверх менеджера соединений.
func NewWSUpdatePublisher(manager *ConnectionManager, logger *zap.Logger) messaging.ClientUpdatePublisher {
	return &wsUpdatePublisher{
		manager: manager,
		logger:  logger.Named("WSUpdatePublisher"),
	}
}

// PublishClientUpdate сериализует обновление и отправляет его адресату.
// Оффлайн-участник не ошибка: поверхность догонит состояние запросом.
func (p *wsUpdatePublisher) PublishClientUpdate(_ context.Context, payload models.ClientRenderUpdate) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !p.manager.SendToParticipant(payload.ParticipantID, body) {
		p.logger.Debug("Participant offline, update dropped",
			zap.String("participantID", payload.ParticipantID))
	}
	return nil
}
