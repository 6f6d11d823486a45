package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiryHandler получает истёкшие таймеры от TimerManager. Каждый таймер
// доставляется не более одного раза.
type ExpiryHandler interface {
	HandleTimerExpiry(ctx context.Context, participantID, timerID, nodeID string) error
}

// TimerManager периодически опрашивает стор на истёкшие таймеры и передаёт
// их обработчику. Снятие таймера происходит до вызова обработчика: таймер,
// снятый другим путём (ранний исход, уход с узла), к обработчику не попадает.
type TimerManager struct {
	sessions     *SessionStore
	handler      ExpiryHandler
	interval     time.Duration
	logger       *zap.Logger
	shutdownChan chan struct{}
	doneChan     chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewTimerManager создает новый TimerManager.
func NewTimerManager(sessions *SessionStore, handler ExpiryHandler, interval time.Duration, logger *zap.Logger) *TimerManager {
	return &TimerManager{
		sessions:     sessions,
		handler:      handler,
		interval:     interval,
		logger:       logger.Named("TimerManager"),
		shutdownChan: make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start запускает фоновый цикл обхода. Повторные вызовы игнорируются.
func (m *TimerManager) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop останавливает цикл и дожидается его завершения.
func (m *TimerManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdownChan)
	})
	<-m.doneChan
}

func (m *TimerManager) run() {
	defer close(m.doneChan)
	m.logger.Info("Timer sweep started", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdownChan:
			m.logger.Info("Timer sweep stopped")
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep обрабатывает все таймеры, истёкшие к моменту now. Выделен отдельно,
// чтобы тесты могли продвигать время без фонового цикла.
func (m *TimerManager) Sweep(now time.Time) {
	expired := m.sessions.ExpiredTimers(now)
	for _, timer := range expired {
		// ClearTimer атомарно решает, кому достался таймер. Пропуск здесь
		// значит, что таймер уже снят ранним исходом или уходом с узла.
		if !m.sessions.ClearTimer(timer.ParticipantID, timer.TimerID) {
			continue
		}
		timersExpiredTotal.Inc()
		m.handle(timer.ParticipantID, timer.TimerID, timer.NodeID)
	}
}

func (m *TimerManager) handle(participantID, timerID, nodeID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Timer expiry handler panicked",
				zap.String("participantID", participantID),
				zap.String("timerID", timerID),
				zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.handler.HandleTimerExpiry(ctx, participantID, timerID, nodeID); err != nil {
		m.logger.Error("Timer expiry handling failed",
			zap.String("participantID", participantID),
			zap.String("timerID", timerID),
			zap.String("nodeID", nodeID),
			zap.Error(err))
	}
}
