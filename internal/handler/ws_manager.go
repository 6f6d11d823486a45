package handler

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client представляет собой одно WebSocket соединение участника.
type Client struct {
	ParticipantID string
	Conn          *websocket.Conn
	send          chan []byte // Канал для отправки сообщений этому клиенту
}

// ConnectionManager управляет активными WebSocket соединениями.
type ConnectionManager struct {
	clients    map[string]*Client // participantID -> Client
	register   chan *Client
	unregister chan string
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewConnectionManager создает и запускает новый менеджер соединений.
func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	m := &ConnectionManager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan string),
		logger:     logger.Named("ConnectionManager"),
	}
	go m.run()
	return m
}

// run обрабатывает регистрацию и дерегистрацию клиентов.
func (m *ConnectionManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			// Повторное подключение того же участника закрывает старое соединение.
			if oldClient, ok := m.clients[client.ParticipantID]; ok {
				m.logger.Info("Closing stale connection",
					zap.String("participantID", client.ParticipantID))
				close(oldClient.send)
				_ = oldClient.Conn.Close()
			}
			m.clients[client.ParticipantID] = client
			m.mu.Unlock()
			m.logger.Info("Client registered", zap.String("participantID", client.ParticipantID))

		case participantID := <-m.unregister:
			m.mu.Lock()
			if client, ok := m.clients[participantID]; ok {
				delete(m.clients, participantID)
				close(client.send)
			}
			m.mu.Unlock()
			m.logger.Info("Client unregistered", zap.String("participantID", participantID))
		}
	}
}

// RegisterClient регистрирует нового клиента.
func (m *ConnectionManager) RegisterClient(client *Client) {
	m.register <- client
}

// UnregisterClient удаляет клиента.
func (m *ConnectionManager) UnregisterClient(participantID string) {
	m.unregister <- participantID
}

// SendToParticipant отправляет сообщение конкретному участнику.
// Возвращает true, если участник онлайн и сообщение поставлено в очередь.
func (m *ConnectionManager) SendToParticipant(participantID string, message []byte) bool {
	m.mu.RLock()
	client, ok := m.clients[participantID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		// Очередь переполнена: клиент отключается или завис.
		m.logger.Warn("Send queue full, dropping message",
			zap.String("participantID", participantID))
		return false
	}
}
