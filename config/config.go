/*
config.go - Application configuration

PURPOSE:
  Loads the YAML file that wires the progress engine: the cycle policy,
  leaderboard board definitions, redeem thresholds, the batch access mode,
  gift rules to seed and countdown defaults.

LOADING:
  Load("") and Load of a path that doesn't exist return Default().
  Unknown keys are rejected so a typo never silently falls back to a
  default. CLI flags override server.port, store.path and log.level after
  loading.

BOARD KEYS:
  Board keys are canonicalized (trimmed, case-folded, NFC) everywhere they
  appear: boards[].key, redeem.boards and gift rule board targets. "Weekly"
  and "weekly" name one board.

EXAMPLE:
  cycle:
    policy: rollover
    timezone: Europe/Paris
    rollover_hour: 6
  boards:
    - key: weekly
      name: Weekly points
      window_days: 7
  redeem:
    rank_threshold: 3
    boards: [weekly]
    reward_points: "10"

SEE ALSO:
  - cmd/server/main.go: Flag overrides and wiring
  - cycle/cycle.go: Policy
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/redeem"
)

// =============================================================================
// SECTIONS
// =============================================================================

type Config struct {
	Server    Server        `yaml:"server"`
	Store     Store         `yaml:"store"`
	Log       Log           `yaml:"log"`
	Cycle     Cycle         `yaml:"cycle"`
	Boards    []BoardConfig `yaml:"boards"`
	Redeem    Redeem        `yaml:"redeem"`
	Access    Access        `yaml:"access"`
	Gifts     Gifts         `yaml:"gifts"`
	Countdown Countdown     `yaml:"countdown"`
}

type Server struct {
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Cycle struct {
	Policy       string `yaml:"policy"`
	Timezone     string `yaml:"timezone"`
	RolloverHour int    `yaml:"rollover_hour"`
}

type BoardConfig struct {
	Key        string `yaml:"key"`
	Name       string `yaml:"name"`
	Order      string `yaml:"order"`
	Source     string `yaml:"source"`
	WindowDays int    `yaml:"window_days"`
}

type Redeem struct {
	RankThreshold  int      `yaml:"rank_threshold"`
	Boards         []string `yaml:"boards"`
	RewardPoints   string   `yaml:"reward_points"`
	RewardItem     string   `yaml:"reward_item"`
	RewardQuantity int      `yaml:"reward_quantity"`
}

type Access struct {
	BatchCheck string `yaml:"batch_check"`
}

type Gifts struct {
	TriggerInterval time.Duration `yaml:"trigger_interval"` // 0 disables the periodic trigger
	MaxCatchUp      int           `yaml:"max_catch_up"`
	Rules           []RuleConfig  `yaml:"rules"`
}

// RuleConfig is a gift rule seeded at startup when its id is not stored yet.
type RuleConfig struct {
	ID         string              `yaml:"id"`
	Name       string              `yaml:"name"`
	Enabled    *bool               `yaml:"enabled"` // nil = enabled
	Schedule   core.Schedule       `yaml:"schedule"`
	Target     core.TargetSelector `yaml:"target"`
	GiftItemID string              `yaml:"gift_item_id"`
	Quantity   int                 `yaml:"quantity"`
}

type Countdown struct {
	DefaultPenaltyPoints string `yaml:"default_penalty_points"`
}

// =============================================================================
// LOADING
// =============================================================================

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
			SessionTTL:     30 * 24 * time.Hour,
		},
		Store: Store{Path: "progress.db"},
		Log:   Log{Level: "info"},
		Cycle: Cycle{Policy: string(cycle.PolicyCalendarDay), Timezone: "UTC"},
		Boards: []BoardConfig{
			{Key: "daily", Name: "Daily points", WindowDays: 1},
			{Key: "weekly", Name: "Weekly points", WindowDays: 7},
		},
		Redeem: Redeem{
			RankThreshold: 3,
			RewardPoints:  "10",
		},
		Access:    Access{BatchCheck: string(access.BatchFirst)},
		Gifts:     Gifts{TriggerInterval: time.Minute, MaxCatchUp: 31},
		Countdown: Countdown{DefaultPenaltyPoints: "5"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, canonicalizes board keys and validates.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.canonicalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// CANONICAL BOARD KEYS
// =============================================================================

var fold = cases.Fold()

// BoardKey canonicalizes a board name: trimmed, case-folded, NFC.
func BoardKey(s string) core.BoardKey {
	return core.BoardKey(norm.NFC.String(fold.String(strings.TrimSpace(s))))
}

func (c *Config) canonicalize() {
	for i := range c.Boards {
		c.Boards[i].Key = string(BoardKey(c.Boards[i].Key))
	}
	for i := range c.Redeem.Boards {
		c.Redeem.Boards[i] = string(BoardKey(c.Redeem.Boards[i]))
	}
	for i := range c.Gifts.Rules {
		if t := &c.Gifts.Rules[i].Target; t.Board != "" {
			t.Board = BoardKey(string(t.Board))
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return core.Invalid("server.port", "must be between 0 and 65535")
	}
	if c.Server.SessionTTL < 0 {
		return core.Invalid("server.session_ttl", "must not be negative")
	}
	if _, err := c.Cycle.ToPolicy(); err != nil {
		return err
	}

	known := make(map[core.BoardKey]bool, len(c.Boards))
	for _, b := range c.Boards {
		key := core.BoardKey(b.Key)
		if key == "" {
			return core.Invalid("boards.key", "required")
		}
		if known[key] {
			return core.Invalid("boards.key", fmt.Sprintf("duplicate board %q", key))
		}
		known[key] = true
		switch leaderboard.Order(b.Order) {
		case "", leaderboard.OrderDesc, leaderboard.OrderAsc:
		default:
			return core.Invalid("boards.order", fmt.Sprintf("board %q: unknown order %q", key, b.Order))
		}
		if b.WindowDays < 0 {
			return core.Invalid("boards.window_days", fmt.Sprintf("board %q: must not be negative", key))
		}
	}

	if c.Redeem.RankThreshold < 1 {
		return core.Invalid("redeem.rank_threshold", "must be at least 1")
	}
	for _, b := range c.Redeem.Boards {
		if !known[core.BoardKey(b)] {
			return core.Invalid("redeem.boards", fmt.Sprintf("board %q is not configured", b))
		}
	}
	if _, err := c.Redeem.ToEngineConfig(); err != nil {
		return err
	}

	if _, err := access.ParseBatchMode(c.Access.BatchCheck); err != nil {
		return err
	}

	if c.Gifts.TriggerInterval < 0 {
		return core.Invalid("gifts.trigger_interval", "must not be negative")
	}
	if c.Gifts.MaxCatchUp < 0 {
		return core.Invalid("gifts.max_catch_up", "must not be negative")
	}
	seen := make(map[string]bool, len(c.Gifts.Rules))
	for _, r := range c.Gifts.Rules {
		if r.ID == "" {
			return core.Invalid("gifts.rules.id", "seeded rules need a stable id")
		}
		if seen[r.ID] {
			return core.Invalid("gifts.rules.id", fmt.Sprintf("duplicate rule %q", r.ID))
		}
		seen[r.ID] = true
		if r.Target.Kind == core.TargetBoardTop && !known[r.Target.Board] {
			return core.Invalid("gifts.rules.target.board", fmt.Sprintf("rule %q: board %q is not configured", r.ID, r.Target.Board))
		}
	}

	if _, err := c.Countdown.DefaultPenalty(); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// ToPolicy builds the single cycle policy the application runs with.
func (c Cycle) ToPolicy() (cycle.Policy, error) {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return cycle.ParsePolicy(c.Policy, tz, c.RolloverHour)
}

func (c *Config) Leaderboards() []leaderboard.Board {
	boards := make([]leaderboard.Board, 0, len(c.Boards))
	for _, b := range c.Boards {
		name := b.Name
		if name == "" {
			name = b.Key
		}
		boards = append(boards, leaderboard.Board{
			Key:        core.BoardKey(b.Key),
			Name:       name,
			Order:      leaderboard.Order(b.Order),
			Source:     core.Source(b.Source),
			WindowDays: b.WindowDays,
		})
	}
	return boards
}

func (r Redeem) ToEngineConfig() (redeem.Config, error) {
	points, err := core.ParsePoints(r.RewardPoints)
	if err != nil {
		return redeem.Config{}, core.Invalid("redeem.reward_points", "expected a decimal amount")
	}
	if points.IsNegative() {
		return redeem.Config{}, core.Invalid("redeem.reward_points", "must not be negative")
	}
	if r.RewardItem != "" && r.RewardQuantity < 1 {
		return redeem.Config{}, core.Invalid("redeem.reward_quantity", "must be at least 1 when reward_item is set")
	}

	cfg := redeem.Config{
		RankThreshold:  r.RankThreshold,
		RewardPoints:   points,
		RewardItem:     core.ItemID(r.RewardItem),
		RewardQuantity: r.RewardQuantity,
	}
	for _, b := range r.Boards {
		cfg.Boards = append(cfg.Boards, core.BoardKey(b))
	}
	return cfg, nil
}

// BatchMode never fails on a validated config.
func (a Access) BatchMode() access.BatchMode {
	mode, err := access.ParseBatchMode(a.BatchCheck)
	if err != nil {
		return access.BatchFirst
	}
	return mode
}

// SeedRules converts the configured rules. Enabled defaults to true.
func (g Gifts) SeedRules() []core.GiftRule {
	rules := make([]core.GiftRule, 0, len(g.Rules))
	for _, r := range g.Rules {
		enabled := r.Enabled == nil || *r.Enabled
		rules = append(rules, core.GiftRule{
			ID:         core.RuleID(r.ID),
			Name:       r.Name,
			Enabled:    enabled,
			Schedule:   r.Schedule,
			Target:     r.Target,
			GiftItemID: core.ItemID(r.GiftItemID),
			Quantity:   r.Quantity,
		})
	}
	return rules
}

func (c Countdown) DefaultPenalty() (core.Points, error) {
	p, err := core.ParsePoints(c.DefaultPenaltyPoints)
	if err != nil {
		return core.Points{}, core.Invalid("countdown.default_penalty_points", "expected a decimal amount")
	}
	if !p.IsPositive() {
		return core.Points{}, core.Invalid("countdown.default_penalty_points", "must be positive")
	}
	return p, nil
}
