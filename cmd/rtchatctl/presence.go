package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/rtchat/internal/presence"
)

func init() {
	presenceCmd.Flags().Bool("raw", false, "show the cached entry instead of the rendered status")
	rootCmd.AddCommand(presenceCmd)
}

type presenceRow struct {
	AccountID     string     `json:"accountId"`
	CanShowStatus bool       `json:"canShowStatus"`
	IsOnline      bool       `json:"isOnline"`
	Status        string     `json:"status"`
	LastActiveAt  *time.Time `json:"lastActiveAt,omitempty"`
}

var presenceCmd = &cobra.Command{
	Use:   "presence <account-id>...",
	Short: "Show the presence of accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadProfile()
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")

		store := presence.New(newAPIClient(cfg), presence.Options{
			Staleness:        cfg.Presence.Staleness.Duration,
			BatchSize:        cfg.Presence.BatchSize,
			RateLimitBackoff: cfg.Presence.RateLimitBackoff.Duration,
		}, nil, newLogger())
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
		defer cancel()
		if err := store.EnsureSnapshot(ctx, args, true); err != nil {
			return fmt.Errorf("presence snapshot: %w", err)
		}

		rows := make([]presenceRow, 0, len(args))
		for _, id := range args {
			st := store.ResolveStatus(id)
			row := presenceRow{AccountID: id, CanShowStatus: st.CanShowStatus, IsOnline: st.IsOnline, Status: st.Text}
			if e, ok := store.Get(id); ok && raw && !e.LastActiveAt.IsZero() {
				at := e.LastActiveAt
				row.LastActiveAt = &at
			}
			rows = append(rows, row)
		}

		if jsonFlag {
			return printJSON(rows)
		}
		for _, r := range rows {
			status := r.Status
			if !r.CanShowStatus {
				status = "(hidden)"
			} else if status == "" {
				status = "(unknown)"
			}
			if r.LastActiveAt != nil {
				status += " last active " + r.LastActiveAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%-24s %s\n", r.AccountID, status)
		}
		return nil
	},
}
