package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed шина закрыта
var ErrClosed = errors.New("eventbus: closed")

// Source имя источника событий этого сервиса
const Source = "mineworlds"

// Типы событий жизненного цикла миров
const (
	TypeWorldProvisioned      = "WorldProvisioned"
	TypeWorldProvisionFailed  = "WorldProvisionFailed"
	TypeWorldRemoved          = "WorldRemoved"
	TypeMineReloaded          = "MineReloaded"
	TypeMineUpgraded          = "MineUpgraded"
	TypeMineRegenerated       = "MineRegenerated"
	TypeMineRegenerationError = "MineRegenerationFailed"
)

type WorldProvisioned struct {
	World       string `json:"world"`
	Template    string `json:"template"`
	Handle      string `json:"handle"`
	TotalBlocks int    `json:"total_blocks"`
}

type WorldProvisionFailed struct {
	World    string `json:"world"`
	Template string `json:"template"`
	Error    string `json:"error"`
}

type WorldRemoved struct {
	World      string   `json:"world"`
	Handle     string   `json:"handle"`
	Reassigned []string `json:"reassigned,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
}

type MineReloaded struct {
	Owner    string `json:"owner"`
	World    string `json:"world"`
	Handle   string `json:"handle"`
	Migrated int    `json:"migrated"`
}

type MineUpgraded struct {
	Owner string  `json:"owner"`
	Kind  string  `json:"kind"`
	Level int     `json:"level"`
	Cost  float64 `json:"cost"`
}

type MineRegenerated struct {
	World      string `json:"world"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewEnvelope упаковывает полезную нагрузку в JSON-конверт с новым UUID
func NewEnvelope(eventType string, priority int, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    Source,
		EventType: eventType,
		Version:   1,
		Priority:  priority,
		Payload:   data,
	}, nil
}

// Decode распаковывает полезную нагрузку конверта
func Decode[T any](ev *Envelope) (T, error) {
	var v T
	err := json.Unmarshal(ev.Payload, &v)
	return v, err
}
