package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/royengg/yunami-bot/internal/models"
)

// PrivateDeliveryPublisher defines the interface for publishing private
// deliveries addressed to a single participant.
type PrivateDeliveryPublisher interface {
	PublishPrivateDelivery(ctx context.Context, payload models.PrivateDeliveryPayload) error
}

// ClientUpdatePublisher defines the interface for publishing render updates
// to remote display surfaces.
type ClientUpdatePublisher interface {
	PublishClientUpdate(ctx context.Context, payload models.ClientRenderUpdate) error
}

// rabbitMQPublisher implements the PrivateDeliveryPublisher and
// ClientUpdatePublisher interfaces for RabbitMQ.
type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
}

// NewRabbitMQPrivateDeliveryPublisher creates a new instance of PrivateDeliveryPublisher.
func NewRabbitMQPrivateDeliveryPublisher(conn *amqp.Connection, queueName string) (PrivateDeliveryPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("private delivery publisher: не удалось открыть канал: %w", err)
	}
	// Объявляем очередь здесь; параметры должны совпадать с консьюмером.
	_, err = ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("private delivery publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	log.Printf("PrivateDeliveryPublisher: очередь '%s' успешно объявлена/найдена", queueName)
	return &rabbitMQPublisher{channel: ch, queueName: queueName}, nil
}

// NewRabbitMQClientUpdatePublisher creates a new instance of ClientUpdatePublisher.
func NewRabbitMQClientUpdatePublisher(conn *amqp.Connection, queueName string) (ClientUpdatePublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("client update publisher: не удалось открыть канал: %w", err)
	}
	_, err = ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("client update publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	log.Printf("ClientUpdatePublisher: очередь '%s' успешно объявлена/найдена", queueName)
	return &rabbitMQPublisher{channel: ch, queueName: queueName}, nil
}

// PublishPrivateDelivery publishes a private delivery for one participant.
// Доставка at-least-once: консьюмер обязан быть идемпотентным.
func (p *rabbitMQPublisher) PublishPrivateDelivery(ctx context.Context, payload models.PrivateDeliveryPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Publisher: Ошибка маршалинга PrivateDeliveryPayload для участника %s: %v", payload.ParticipantID, err)
		return fmt.Errorf("ошибка подготовки сообщения PrivateDelivery: %w", err)
	}
	return p.publishMessage(ctx, body)
}

// PublishClientUpdate publishes a render update to the client surface queue.
func (p *rabbitMQPublisher) PublishClientUpdate(ctx context.Context, payload models.ClientRenderUpdate) error {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Publisher: Ошибка маршалинга ClientRenderUpdate: %v", err)
		return fmt.Errorf("ошибка подготовки сообщения ClientRenderUpdate: %w", err)
	}
	// Используем exchange по умолчанию и routing key = имя очереди.
	return p.publishMessage(ctx, body)
}

// publishMessage is a helper method for publishing a message.
func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		log.Println("Ошибка публикации: канал RabbitMQ не инициализирован (nil)")
		return errors.New("канал RabbitMQ не инициализирован")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	// Попытка публикации с retry до 3 раз
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (используем default)
			p.queueName, // routing key (имя очереди)
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "narrative-engine",
			},
		)
		if err == nil {
			break
		}
		log.Printf("Ошибка публикации (attempt %d) в очередь '%s': %v", attempt, p.queueName, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("ошибка публикации в очередь %s после retries: %w", p.queueName, err)
	}
	return nil
}
