/*
Package factory provides JSON to Go commission table conversion.

PURPOSE:
  Converts a JSON commission schedule into a distribution.CommissionTable
  plus the minimum reward threshold. The schedule is product configuration:
  it is loaded from a file at startup and may be replaced at runtime through
  the admin API, so nothing in the engine hardcodes level rates.

JSON SCHEMA:
  {
    "levels": [
      {"level": 1, "percent": "0.05"},
      {"level": 2, "percent": "0.03"},
      {"level": 3, "percent": "0.02"}
    ],
    "min_reward": "0.00000001"
  }

  percent is a fraction (0.05 = 5%) and may be given as a JSON string or
  number. Strings are preferred: they never pass through float64.

KEY RULES:
  - Levels are 1..maxLevels and must not repeat
  - Each percent is within [0, 1]
  - min_reward is optional and must not be negative
  - Unknown fields are rejected

USAGE:
  f := factory.NewTableFactory(20)
  schedule, err := f.LoadFile("commission_table.json")
  if err != nil {
      return err
  }
  cfg.Table = schedule.Table
  cfg.MinReward = schedule.MinReward

SEE ALSO:
  - distribution/commission.go: CommissionTable and Calculator
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TableJSON is the JSON representation of a commission schedule.
type TableJSON struct {
	Levels    []LevelJSON      `json:"levels"`
	MinReward *decimal.Decimal `json:"min_reward,omitempty"`
}

// LevelJSON is one level -> rate entry.
type LevelJSON struct {
	Level   int             `json:"level"`
	Percent decimal.Decimal `json:"percent"`
}

// Schedule is a parsed commission schedule.
type Schedule struct {
	Table     distribution.CommissionTable
	MinReward decimal.Decimal
}

// =============================================================================
// FACTORY
// =============================================================================

// TableFactory creates commission tables from JSON.
type TableFactory struct {
	maxLevels int
}

func NewTableFactory(maxLevels int) *TableFactory {
	if maxLevels <= 0 {
		maxLevels = distribution.DefaultMaxLevels
	}
	return &TableFactory{maxLevels: maxLevels}
}

// LoadFile reads and parses a schedule file.
func (f *TableFactory) LoadFile(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to read commission table %s: %w", path, err)
	}
	schedule, err := f.ParseTable(data)
	if err != nil {
		return Schedule{}, fmt.Errorf("commission table %s: %w", path, err)
	}
	return schedule, nil
}

// ParseTable parses a JSON schedule.
func (f *TableFactory) ParseTable(data []byte) (Schedule, error) {
	var tj TableJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tj); err != nil {
		return Schedule{}, &distribution.ValidationError{
			Field:  "commission_table",
			Reason: fmt.Sprintf("malformed JSON: %v", err),
			Err:    distribution.ErrInvalidCommissionTable,
		}
	}
	return f.FromJSON(tj)
}

// FromJSON validates a decoded schedule.
func (f *TableFactory) FromJSON(tj TableJSON) (Schedule, error) {
	rates := make(map[int]decimal.Decimal, len(tj.Levels))
	for _, l := range tj.Levels {
		if _, dup := rates[l.Level]; dup {
			return Schedule{}, &distribution.ValidationError{
				Field:  "level",
				Reason: fmt.Sprintf("level %d listed twice", l.Level),
				Err:    distribution.ErrInvalidCommissionTable,
			}
		}
		rates[l.Level] = l.Percent
	}

	table, err := distribution.NewCommissionTable(rates, f.maxLevels)
	if err != nil {
		return Schedule{}, err
	}

	schedule := Schedule{Table: table, MinReward: decimal.Zero}
	if tj.MinReward != nil {
		if tj.MinReward.IsNegative() {
			return Schedule{}, &distribution.ValidationError{
				Field:  "min_reward",
				Reason: "must not be negative",
				Err:    distribution.ErrInvalidCommissionTable,
			}
		}
		schedule.MinReward = *tj.MinReward
	}
	return schedule, nil
}

// ToJSON converts a table back to its JSON form, levels ascending.
func (f *TableFactory) ToJSON(table distribution.CommissionTable, minReward decimal.Decimal) TableJSON {
	tj := TableJSON{Levels: make([]LevelJSON, 0)}
	for _, level := range table.Levels() {
		rate, _ := table.Rate(level)
		tj.Levels = append(tj.Levels, LevelJSON{Level: level, Percent: rate})
	}
	if !minReward.IsZero() {
		tj.MinReward = &minReward
	}
	return tj
}
