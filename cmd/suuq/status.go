package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	suuq "github.com/suuq-tech/suuq-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusIdentity, "identity", "", "identity to connect the realtime socket as")
}

var statusIdentity string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and probe the realtime socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, suuq.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  Identity: %s\n", valueOrDefault(cfg.Chat.Identity, "(not set)"))

		if cfg.Default.Token == "" {
			return nil
		}

		// Probe the realtime socket.
		identity := getIdentity(statusIdentity)
		client := getClient()
		socket := client.Chat().Realtime.Socket(nil)

		connected := make(chan suuq.SocketState, 1)
		off := socket.OnStateChange(func(st suuq.SocketState) {
			if st == suuq.StateConnected {
				select {
				case connected <- st:
				default:
				}
			}
		})
		defer off()
		defer socket.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := socket.Connect(ctx, identity); err != nil {
			return fmt.Errorf("socket connect: %w", err)
		}

		fmt.Println()
		select {
		case <-connected:
			fmt.Printf("Realtime: connected as %s\n", identity)
		case <-ctx.Done():
			fmt.Printf("Realtime: unreachable (state %s)\n", socket.State())
		}
		return nil
	},
}
