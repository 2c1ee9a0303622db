package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentgate/internal/infra"
	"go.uber.org/zap"
)

// SessionBus рассылает команды закрытия WS-сессий между инстансами:
// сессия живет на одном инстансе, а admin-запрос может прийти на любой.
type SessionBus struct {
	rdb     redis.UniversalClient
	logger  *zap.Logger
	channel string
	backoff time.Duration
}

func NewSessionBus(rdb redis.UniversalClient, logger *zap.Logger) *SessionBus {
	return &SessionBus{
		rdb:     rdb,
		logger:  logger.Named("session_bus"),
		channel: infra.SessionCloseChannel,
		backoff: 5 * time.Second,
	}
}

func (b *SessionBus) PublishClose(ctx context.Context, sessionID string) error {
	if err := b.rdb.Publish(ctx, b.channel, sessionID).Err(); err != nil {
		return fmt.Errorf("session bus publish: %w", err)
	}
	return nil
}

// Listen — "живучая" подписка: переподключается после обрыва, пока жив ctx.
// onClose вызывается для каждого ID из канала.
func (b *SessionBus) Listen(ctx context.Context, onClose func(sessionID string)) {
	for {
		pubsub := b.rdb.Subscribe(ctx, b.channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to subscribe", zap.String("chan", b.channel), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.backoff):
			}
			continue
		}
		b.logger.Info("subscribed", zap.String("chan", b.channel))

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				if msg.Payload != "" {
					onClose(msg.Payload)
				}
			}
		}

		_ = pubsub.Close()
		b.logger.Warn("subscription lost, reconnecting", zap.String("chan", b.channel))
	}
}
