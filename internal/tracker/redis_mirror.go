package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/mineworlds/internal/logging"
	"github.com/go-redis/redis/v8"
)

var log = logging.GetComponentLogger("tracker")

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr          string        // Адрес Redis сервера
	Password      string        // Пароль (пустой если не требуется)
	DB            int           // Номер базы данных
	KeyPrefix     string        // Префикс для ключей
	TTL           time.Duration // Время жизни записей (0: без истечения)
	FlushInterval time.Duration // Интервал сброса батча
	BatchSize     int           // Размер батча для немедленного сброса
}

// RedisMirror копирует привязки игроков в Redis пакетами (write-behind),
// чтобы другие узлы могли узнать мир игрока. Источник истины: Tracker.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	batchSize int

	batchMu sync.Mutex
	pending map[string]string // пустая строка означает удаление

	ticker   *time.Ticker
	shutdown chan struct{}
	flushNow chan struct{}
	wg       sync.WaitGroup
}

// NewRedisMirror подключается к Redis и запускает фоновый сброс
func NewRedisMirror(cfg RedisConfig) (*RedisMirror, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mineworlds:loc:"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m := &RedisMirror{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		batchSize: cfg.BatchSize,
		pending:   make(map[string]string),
		ticker:    time.NewTicker(cfg.FlushInterval),
		shutdown:  make(chan struct{}),
		flushNow:  make(chan struct{}, 1),
	}

	m.wg.Add(1)
	go m.batchFlusher()

	log.Info("🔴 Зеркало привязок подключено к Redis %s", cfg.Addr)
	return m, nil
}

func (m *RedisMirror) Put(playerID, worldName string) {
	m.enqueue(playerID, worldName)
}

func (m *RedisMirror) Delete(playerID string) {
	m.enqueue(playerID, "")
}

func (m *RedisMirror) enqueue(playerID, worldName string) {
	m.batchMu.Lock()
	m.pending[playerID] = worldName
	full := len(m.pending) >= m.batchSize
	m.batchMu.Unlock()

	if full {
		select {
		case m.flushNow <- struct{}{}:
		default:
		}
	}
}

// Load читает привязку игрока из Redis (для узлов без локального трекера)
func (m *RedisMirror) Load(ctx context.Context, playerID string) (string, bool, error) {
	world, err := m.client.Get(ctx, m.keyPrefix+playerID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get binding: %w", err)
	}
	return world, true, nil
}

func (m *RedisMirror) batchFlusher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			m.flush()
		case <-m.flushNow:
			m.flush()
		case <-m.shutdown:
			m.flush()
			return
		}
	}
}

func (m *RedisMirror) flush() {
	m.batchMu.Lock()
	if len(m.pending) == 0 {
		m.batchMu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]string)
	m.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := m.client.Pipeline()
	for playerID, worldName := range batch {
		key := m.keyPrefix + playerID
		if worldName == "" {
			pipe.Del(ctx, key)
		} else {
			pipe.Set(ctx, key, worldName, m.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn("⚠️ Не удалось сбросить %d привязок в Redis: %v", len(batch), err)
	}
}

// Close сбрасывает остаток и закрывает соединение
func (m *RedisMirror) Close() error {
	m.ticker.Stop()
	close(m.shutdown)
	m.wg.Wait()
	return m.client.Close()
}
