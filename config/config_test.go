package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/config"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
)

const sample = `
server:
  port: 9090
cycle:
  policy: rollover
  timezone: Europe/Paris
  rollover_hour: 6
boards:
  - key: " Weekly "
    name: Weekly points
    window_days: 7
  - key: pulse
    source: skill_pulse
redeem:
  rank_threshold: 2
  boards: [WEEKLY]
  reward_points: "12.5"
access:
  batch_check: each
gifts:
  trigger_interval: 30s
  max_catch_up: 5
  rules:
    - id: weekly-sticker
      name: Weekly sticker
      schedule:
        kind: interval
        anchor: 2024-01-01T00:00:00Z
        every_days: 7
      target:
        kind: board_top
        board: Weekly
        top: 3
      gift_item_id: sticker
      quantity: 1
    - id: launch
      name: Launch badge
      enabled: false
      schedule:
        kind: once
        at: 2024-02-01T09:00:00Z
      target:
        kind: all
      gift_item_id: badge
      quantity: 1
countdown:
  default_penalty_points: "3"
`

func parse(t *testing.T, doc string) (*config.Config, error) {
	t.Helper()
	cfg := config.Default()
	return cfg, config.Parse([]byte(doc), cfg)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	cfg, err = config.Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "progress.db", cfg.Store.Path, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Gifts.TriggerInterval)
}

func TestParse_CanonicalBoardKeys(t *testing.T) {
	// GIVEN: Boards and references spelled with different case and padding
	// WHEN: Parsing
	// THEN: Every reference names the same canonical key
	cfg, err := parse(t, sample)
	require.NoError(t, err)

	boards := cfg.Leaderboards()
	require.Len(t, boards, 2)
	assert.Equal(t, core.BoardKey("weekly"), boards[0].Key)
	assert.Equal(t, "Weekly points", boards[0].Name)
	assert.Equal(t, "pulse", boards[1].Name, "name defaults to key")
	assert.Equal(t, core.SourceSkillPulse, boards[1].Source)

	rc, err := cfg.Redeem.ToEngineConfig()
	require.NoError(t, err)
	assert.Equal(t, []core.BoardKey{"weekly"}, rc.Boards)
	assert.Equal(t, 2, rc.RankThreshold)
	assert.True(t, rc.RewardPoints.Equal(core.NewPointsFromFloat(12.5)))

	rules := cfg.Gifts.SeedRules()
	require.Len(t, rules, 2)
	assert.Equal(t, core.BoardKey("weekly"), rules[0].Target.Board)
}

func TestBoardKey(t *testing.T) {
	assert.Equal(t, core.BoardKey("weekly"), config.BoardKey("WEEKLY"))
	assert.Equal(t, core.BoardKey("strasse"), config.BoardKey("STRASSE"))
	// Composed and decomposed e-acute fold to one key
	assert.Equal(t, config.BoardKey("caf\u00e9"), config.BoardKey("CAFE\u0301"))
}

func TestParse_Conversions(t *testing.T) {
	cfg, err := parse(t, sample)
	require.NoError(t, err)

	policy, err := cfg.Cycle.ToPolicy()
	require.NoError(t, err)
	assert.Equal(t, cycle.PolicyRollover, policy.Kind)
	assert.Equal(t, 6, policy.RolloverHour)
	assert.Equal(t, "Europe/Paris", policy.Location.String())

	assert.Equal(t, access.BatchEach, cfg.Access.BatchMode())

	penalty, err := cfg.Countdown.DefaultPenalty()
	require.NoError(t, err)
	assert.True(t, penalty.Equal(core.NewPoints(3)))

	rules := cfg.Gifts.SeedRules()
	assert.True(t, rules[0].Enabled, "enabled defaults to true")
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, 7, rules[0].Schedule.EveryDays)
	assert.Equal(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), rules[1].Schedule.At.UTC())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "servre:\n  port: 1\n"},
		{"unknown policy", "cycle:\n  policy: weekly\n"},
		{"unknown timezone", "cycle:\n  timezone: Mars/Olympus\n"},
		{"rollover hour out of range", "cycle:\n  policy: rollover\n  rollover_hour: 24\n"},
		{"duplicate boards after folding", "boards:\n  - key: a\n  - key: A\n"},
		{"redeem board not configured", "redeem:\n  boards: [monthly]\n"},
		{"threshold below one", "redeem:\n  rank_threshold: 0\n"},
		{"bad reward", "redeem:\n  reward_points: lots\n"},
		{"unknown batch mode", "access:\n  batch_check: some\n"},
		{"negative interval", "gifts:\n  trigger_interval: -1s\n"},
		{"negative window", "boards:\n  - key: a\n    window_days: -1\n"},
		{"seed rule without id", "gifts:\n  rules:\n    - name: x\n"},
		{"zero penalty", "countdown:\n  default_penalty_points: \"0\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.doc)
			assert.Error(t, err)
		})
	}
}
