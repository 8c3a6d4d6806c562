package mines

import (
	"errors"
	"math"
)

const (
	MinSizeLevel   = 1
	MaxSizeLevel   = 20
	MaxBeaconLevel = 10
)

var (
	// ErrMaxLevel уровень уже максимальный
	ErrMaxLevel = errors.New("mine upgrade: max level reached")
	// ErrInsufficientFunds платёж отклонён
	ErrInsufficientFunds = errors.New("mine upgrade: insufficient funds")
)

// SizeCost цена улучшения размера с текущего уровня
func SizeCost(level int) float64 {
	return 10000 * math.Pow(1.5, float64(level-1))
}

// BeaconCost цена улучшения маяков с текущего уровня
func BeaconCost(level int) float64 {
	return 5000 * math.Pow(2, float64(level))
}

// Multiplier множитель добычи для уровня маяков
func Multiplier(beaconLevel int) float64 {
	return 1 + 0.25*float64(beaconLevel)
}
