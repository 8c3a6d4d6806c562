// Package engine описывает узкий интерфейс игрового движка, через который
// создаются инстансы миров, пишутся блоки и перемещаются сущности.
package engine

import (
	"context"
	"errors"

	"github.com/annel0/mineworlds/internal/schematic"
)

var (
	ErrUnknownInstance = errors.New("engine: unknown instance")
	ErrOutOfBounds     = errors.New("engine: block outside instance bounds")
)

// InstanceID непрозрачный идентификатор живого инстанса в движке
type InstanceID string

// Engine примитивы движка, которые использует подсистема миров
type Engine interface {
	// CreateInstance создаёт пустой инстанс с указанными границами
	CreateInstance(ctx context.Context, name string, bounds schematic.Bounds) (InstanceID, error)
	// WriteRegion записывает пакет блоков в инстанс
	WriteRegion(ctx context.Context, id InstanceID, blocks []schematic.Block) error
	// TeleportEntity переносит сущность в инстанс; из предыдущего она удаляется
	TeleportEntity(ctx context.Context, id InstanceID, entity string, to schematic.SpawnPoint) error
	// ListOccupants возвращает сущности, находящиеся в инстансе
	ListOccupants(ctx context.Context, id InstanceID) ([]string, error)
	// DestroyInstance выгружает инстанс
	DestroyInstance(ctx context.Context, id InstanceID) error
}
