package events

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient — универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов вида "id:status".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(id string, status bool), // Callback для обработки сообщения
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизация (Init) при каждом успешном коннекте: пока нас не было,
		// состояние в Redis могло измениться
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "entity_id:status"
				idx := strings.LastIndex(msg.Payload, ":")
				if idx <= 0 || idx == len(msg.Payload)-1 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				id := msg.Payload[:idx]
				status := msg.Payload[idx+1:] == "true" || msg.Payload[idx+1:] == "on"

				onMessage(id, status)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
