package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	suuq "github.com/suuq-tech/suuq-go"
)

// getClient creates an authenticated Suuq client from .env, environment
// variables and the config file, in that order of precedence.
func getClient() *suuq.Client {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token := os.Getenv("SUUQ_API_TOKEN")
	if token == "" {
		token = cfg.Default.Token
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No API token. Run 'suuq init <token>' or set SUUQ_API_TOKEN.")
		os.Exit(1)
	}

	var opts []suuq.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, suuq.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
		opts = append(opts, suuq.WithLogger(logger))
	}

	return suuq.NewClient(token, opts...)
}

// getIdentity resolves the realtime identity from a flag value, the
// environment, or the config file.
func getIdentity(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if id := os.Getenv("SUUQ_IDENTITY"); id != "" {
		return id
	}
	cfg, err := loadConfig()
	if err != nil || cfg.Chat.Identity == "" {
		fmt.Fprintln(os.Stderr, "No identity. Pass --identity, set SUUQ_IDENTITY, or run 'suuq config set chat.identity <id>'.")
		os.Exit(1)
	}
	return cfg.Chat.Identity
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
