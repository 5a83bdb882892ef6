package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	name       string
	logLevel   string
	password   string
	kind       string
	roomID     string
)

var rootCmd = &cobra.Command{
	Use:   "callpeer",
	Short: "Place or join a one-to-one call through a call relay gateway",
	Long: `Callpeer creates a call room or joins one by its six digit id and drives
the connection until the call ends. While connected, type m to toggle the
microphone, v to toggle the camera and q to hang up.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and wait for the other party",
	RunE: func(cmd *cobra.Command, args []string) error {
		k := models.CallKind(kind)
		if !k.Valid() {
			return fmt.Errorf("kind must be %q or %q", models.CallKindVideo, models.CallKindVoice)
		}
		return runCall(cmd.Context(), func(ctx context.Context, s *session) error {
			return s.create(ctx, k, password)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a waiting room",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context(), func(ctx context.Context, s *session) error {
			return s.join(ctx, roomID, password)
		})
	},
}

func init() {
	defaults := config.Default()
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		defaults.GatewayURL = v
	}

	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway", "g", defaults.GatewayURL, "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&name, "name", "", "Display name (random when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Room password (required)")
	rootCmd.MarkPersistentFlagRequired("password")

	createCmd.Flags().StringVarP(&kind, "kind", "k", string(models.CallKindVideo), "Call kind: video or voice")
	joinCmd.Flags().StringVarP(&roomID, "room", "r", "", "Room id (required)")
	joinCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(createCmd, joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
