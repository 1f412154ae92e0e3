package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push-then-hydrate cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := buildLogger()
		ctx := cmd.Context()

		eng, err := buildEngine(ctx, log)
		if err != nil {
			return err
		}
		if err := eng.Init(ctx); err != nil {
			return err
		}
		defer func() { _ = eng.Teardown(context.Background()) }()

		if err := signIn(ctx, eng); err != nil {
			return err
		}

		start := time.Now()
		if res := eng.SyncNow(ctx); !res.Success() {
			return fmt.Errorf("sync failed (%s): %w", res.Kind(), res.Err)
		}

		cur := eng.Cursor()
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Tenant: %s\n", eng.Tenant())
		fmt.Printf("   Cursor: %s (%s)\n", cur.Token, cur.LastAppliedAt.Format(time.RFC3339))
		fmt.Printf("   Pending: %d\n", len(eng.PendingChanges()))
		return nil
	},
}
