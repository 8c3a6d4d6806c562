package storage

import (
	"context"
	"errors"
	"time"
)

// ErrClosed возвращается при обращении к закрытому хранилищу
var ErrClosed = errors.New("storage: repository closed")

// MineRecord сохраняемое состояние приватной шахты.
// Привязка к инстансу движка не сохраняется: после рестарта мир собирается заново.
type MineRecord struct {
	OwnerID     string    `json:"owner_id" bson:"owner_id"`
	OwnerName   string    `json:"owner_name" bson:"owner_name"`
	MineName    string    `json:"mine_name" bson:"mine_name"`
	SizeLevel   int       `json:"size_level" bson:"size_level"`
	BeaconLevel int       `json:"beacon_level" bson:"beacon_level"`
	IsPublic    bool      `json:"is_public" bson:"is_public"`
	TaxRate     float64   `json:"tax_rate" bson:"tax_rate"`
	Allowed     []string  `json:"allowed,omitempty" bson:"allowed"`
	WorldName   string    `json:"world_name,omitempty" bson:"world_name"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// MineRepo определяет интерфейс хранилища метаданных шахт.
// Ключ записи: OwnerID.
type MineRepo interface {
	// Save создаёт или перезаписывает запись
	Save(ctx context.Context, rec MineRecord) error

	// Load возвращает запись; bool=false если владелец ещё не создавал шахту
	Load(ctx context.Context, ownerID string) (MineRecord, bool, error)

	// Delete удаляет запись (отсутствие записи не ошибка)
	Delete(ctx context.Context, ownerID string) error

	// List возвращает все записи, отсортированные по OwnerID
	List(ctx context.Context) ([]MineRecord, error)

	Close() error
}
