package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/gifts"
)

// cliUser is recorded as GrantedBy for operator-initiated runs.
const cliUser core.UserID = "cli"

// =============================================================================
// GIFTS
// =============================================================================

func newGiftsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gifts",
		Short: "Gift auto-assignment",
	}
	cmd.AddCommand(newGiftsRunCommand(opts))
	return cmd
}

type runOutput struct {
	Now      string        `json:"now"`
	DryRun   bool          `json:"dry_run"`
	Fired    []firedOutput `json:"fired"`
	Failures []string      `json:"failures,omitempty"`
}

type firedOutput struct {
	RuleID       string `json:"rule_id"`
	OccurrenceID string `json:"occurrence_id"`
	At           string `json:"at"`
	Recipients   int    `json:"recipients"`
	Issued       int    `json:"issued"`
}

func newGiftsRunCommand(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		nowArg string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fire every due gift occurrence once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			now := a.cycles.Now()
			if nowArg != "" {
				at, err := time.Parse(time.RFC3339, nowArg)
				if err != nil {
					return core.Invalid("now", "must be RFC3339")
				}
				if !dryRun && at.After(now) {
					return core.Invalid("now", "a future instant is only allowed with --dry-run")
				}
				now = at
			}

			ctx := cmd.Context()
			if _, err := a.gifts.Seed(ctx, a.cfg.Gifts.SeedRules()); err != nil {
				return fmt.Errorf("seed gift rules: %w", err)
			}
			res, err := a.gifts.RunDue(ctx, now, gifts.RunOptions{DryRun: dryRun, GrantedBy: cliUser})
			if err != nil {
				return err
			}
			return printJSON(cmd, toRunOutput(res))
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would fire without granting")
	cmd.Flags().StringVar(&nowArg, "now", "", "evaluate as of this RFC3339 instant")
	return cmd
}

func toRunOutput(res *gifts.RunResult) runOutput {
	out := runOutput{
		Now:    res.Now.UTC().Format(time.RFC3339),
		DryRun: res.DryRun,
		Fired:  []firedOutput{},
	}
	for _, f := range res.Fired {
		fo := firedOutput{
			RuleID:       string(f.RuleID),
			OccurrenceID: f.OccurrenceID,
			At:           f.At.UTC().Format(time.RFC3339),
			Recipients:   len(f.Grants),
		}
		for _, g := range f.Grants {
			if g.Issued {
				fo.Issued++
			}
		}
		out.Fired = append(out.Fired, fo)
	}
	for _, fail := range res.Failures {
		out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", fail.RuleID, fail.Err))
	}
	return out
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func newSnapshotsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Leaderboard snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild <cycle-key|current>",
		Short: "Discard and recompute every board for a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			key := a.cycles.Current()
			if args[0] != "current" {
				if key, err = core.ParseCycleKey(args[0]); err != nil {
					return err
				}
			}

			bundle, err := a.boards.Rebuild(cmd.Context(), key)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "cycle %s (final=%t)\n", bundle.CycleKey, bundle.Final)
			for _, board := range bundle.BoardKeys() {
				fmt.Fprintf(w, "  %s\n", board)
				for _, row := range bundle.Boards[board] {
					fmt.Fprintf(w, "    %3d  %-24s %s\n", row.Rank, row.ParticipantID, row.Score)
				}
			}
			return nil
		},
	})
	return cmd
}

// =============================================================================
// CYCLE
// =============================================================================

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle [RFC3339 instant]",
		Short: "Show the cycle key and window for an instant (default now)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			at := a.cycles.Now()
			if len(args) == 1 {
				if at, err = time.Parse(time.RFC3339, args[0]); err != nil {
					return core.Invalid("instant", "must be RFC3339")
				}
			}
			key := a.cycles.Resolve(at)
			start, end := a.cycles.Bounds(key)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "policy: %s\n", a.cycles.Policy())
			fmt.Fprintf(w, "key:    %s\n", key)
			fmt.Fprintf(w, "start:  %s\n", start.UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "end:    %s\n", end.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

// =============================================================================
// SESSIONS AND ROLES
// =============================================================================

func newSessionCommand(opts *rootOptions) *cobra.Command {
	var ttl time.Duration

	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if ttl == 0 {
				ttl = a.cfg.Server.SessionTTL
			}
			token, err := a.store.CreateSession(cmd.Context(), core.UserID(args[0]), ttl, a.cycles.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	create.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default server.session_ttl)")

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Bearer sessions",
	}
	cmd.AddCommand(create)
	return cmd
}

// grantableRoles are stored directly; self and parent come from links.
var grantableRoles = map[core.Role]bool{
	core.RoleAdmin:     true,
	core.RoleCoach:     true,
	core.RoleClassroom: true,
}

func newRolesCommand(opts *rootOptions) *cobra.Command {
	var scope string

	grant := &cobra.Command{
		Use:   "grant <user-id> <role>",
		Short: "Grant admin, coach or classroom to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := core.Role(args[1])
			if !grantableRoles[role] {
				names := make([]string, 0, len(grantableRoles))
				for r := range grantableRoles {
					names = append(names, string(r))
				}
				sort.Strings(names)
				return core.Invalid("role", fmt.Sprintf("must be one of %v", names))
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rec := core.RoleRecord{UserID: core.UserID(args[0]), Role: role, Scope: core.GroupID(scope)}
			if err := a.store.SaveRole(cmd.Context(), rec); err != nil {
				return err
			}
			log.Infof("granted %s to %s", role, rec.UserID)
			return nil
		},
	}
	grant.Flags().StringVar(&scope, "scope", "", "group scope for coach or classroom (empty = all groups)")

	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Directory roles",
	}
	cmd.AddCommand(grant)
	return cmd
}
