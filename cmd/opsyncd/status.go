package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opsuite/opsync/pkg/models"
	"github.com/opsuite/opsync/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state without contacting the cloud",
	Long: `Inspect the local store: the hydration cursor per tenant and the
size of the offline snapshot. Works fully offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("store_path")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("No local store at %s; run 'opsyncd sync' first\n", path)
			return nil
		}

		st, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		tenant := viper.GetString("tenant")
		if tenant == "" {
			fmt.Println("Set 'tenant' in the config to inspect its cursor")
			return nil
		}

		cur, err := st.LoadCursor(ctx, tenant)
		if err != nil {
			return err
		}
		records, err := st.LoadSnapshot(ctx, tenant)
		if err != nil {
			return err
		}

		byKind := map[models.Kind]int{}
		for _, rec := range records {
			byKind[rec.Kind]++
		}

		fmt.Printf("Store: %s\n", path)
		fmt.Printf("Tenant: %s\n", tenant)
		if cur.Zero() {
			fmt.Println("Cursor: none (next sync hydrates from scratch)")
		} else {
			fmt.Printf("Cursor: %s (%s)\n", cur.Token, cur.LastAppliedAt.Format(time.RFC3339))
		}
		fmt.Printf("Offline snapshot: %d records\n", len(records))
		for _, kind := range models.Kinds {
			if n := byKind[kind]; n > 0 {
				fmt.Printf("   %-12s %d\n", kind, n)
			}
		}
		return nil
	},
}
