package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opsuite/opsync"
	"github.com/opsuite/opsync/pkg/cloud/ws"
	"github.com/opsuite/opsync/pkg/connectivity"
	"github.com/opsuite/opsync/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "opsyncd",
	Short: "Offline-first sync agent for OpSuite tenants",
	Long: `opsyncd keeps a local replica of one tenant's business records in
sync with the OpSuite cloud: it pushes local edits, pulls incremental
snapshots, and follows the live change feed with automatic reconnection.

Configuration is read from --config, ./opsyncd.yaml or the OPSYNC_*
environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./opsyncd.yaml)")
	rootCmd.PersistentFlags().String("cloud-url", "", "cloud endpoint, e.g. wss://cloud.opsuite.example")
	rootCmd.PersistentFlags().String("store", "opsync.db", "path of the local sqlite store")

	_ = viper.BindPFlag("cloud_url", rootCmd.PersistentFlags().Lookup("cloud-url"))
	_ = viper.BindPFlag("store_path", rootCmd.PersistentFlags().Lookup("store"))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("opsyncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("opsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("refresh_interval", "10m")
	viper.SetDefault("probe_interval", "15s")
	viper.SetDefault("reconnect_interval", "5s")
	viper.SetDefault("log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func buildLogger() logger.Logger {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if file := viper.GetString("log_file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}

	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger.NewZerolog(zl)
}

// buildEngine connects the websocket client and assembles the engine. The
// caller owns teardown.
func buildEngine(ctx context.Context, log logger.Logger) (*opsync.Engine, error) {
	cloudURL := viper.GetString("cloud_url")
	if cloudURL == "" {
		return nil, fmt.Errorf("cloud_url is not configured")
	}

	client := ws.New(ws.Params{BaseURL: cloudURL, Logger: log})
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach cloud endpoint: %w", err)
	}

	eng, err := opsync.New(opsync.Config{
		Service:           client,
		StorePath:         viper.GetString("store_path"),
		Logger:            log,
		RefreshInterval:   viper.GetDuration("refresh_interval"),
		ProbeInterval:     viper.GetDuration("probe_interval"),
		ReconnectInterval: viper.GetDuration("reconnect_interval"),
		Probe:             connectivity.TCPProbe(cloudURL, 5*time.Second),
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return eng, nil
}

// signIn authenticates with the configured credentials, when present.
func signIn(ctx context.Context, eng *opsync.Engine) error {
	identifier := viper.GetString("identifier")
	secret := viper.GetString("secret")
	if identifier == "" {
		return fmt.Errorf("identifier is not configured")
	}
	if res := eng.Login(ctx, identifier, secret); !res.Success() {
		return fmt.Errorf("sign-in failed: %w", res.Err)
	}
	return nil
}
