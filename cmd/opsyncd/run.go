package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync agent and block until interrupted",
	Long: `Sign in with the configured credentials, hydrate the tenant and keep
it in sync: local edits are pushed, remote changes stream in over the live
channel, and connectivity loss is bridged automatically.`,
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
		defer func() {
			if err := eng.Teardown(context.Background()); err != nil {
				log.Error("teardown failed", "error", err)
			}
		}()

		if err := signIn(ctx, eng); err != nil {
			return err
		}

		fmt.Printf("opsyncd running for tenant %s (store %s)\n",
			eng.Tenant(), viper.GetString("store_path"))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		return nil
	},
}
