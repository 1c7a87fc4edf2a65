// Package config carries the fields spec.md §6 names as the interface
// the core consumes. The core never reads the environment directly
// except in cmd/, which loads these env vars the way
// cmd/gopherclaw/main.go loaded its config file: defaults, then
// override. Spec.md marks .env loading, CLI flags, and a config file
// schema as external collaborators, so there is no Save/Load-from-file
// or config-set-command surface here, only the env-var table.
package config

import (
	"fmt"
	"log/slog"
	"os"
)

// defaultProviderBotUserID is Midjourney's bot user id, identical to
// its application id (original_source's client.py hardcodes the same
// value as BOT_ID). Used to authenticate that a tracked MESSAGE_CREATE
// was actually authored by the provider bot, not some other user in
// the channel whose message happens to match the prompt fingerprint.
const defaultProviderBotUserID = "936929561302675456"

// Config holds the environment keys spec §6 recognizes.
type Config struct {
	DiscordUserToken  string
	DiscordBotToken   string
	ChannelID         string
	GuildID           string
	ProviderBotUserID string
	MongoDBURI        string
	LogLevel          string
}

// Load builds a Config from the process environment. DISCORD_USER_TOKEN
// and DISCORD_BOT_TOKEN are required per spec §6's table; their absence
// is an error rather than a silently empty credential, since the
// gateway pair cannot identify without them.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          "info",
		ProviderBotUserID: defaultProviderBotUserID,
	}

	cfg.DiscordUserToken = os.Getenv("DISCORD_USER_TOKEN")
	cfg.DiscordBotToken = os.Getenv("DISCORD_BOT_TOKEN")
	cfg.ChannelID = os.Getenv("DISCORD_CHANNEL_ID")
	cfg.GuildID = os.Getenv("DISCORD_GUILD_ID")
	if botID := os.Getenv("DISCORD_PROVIDER_BOT_USER_ID"); botID != "" {
		cfg.ProviderBotUserID = botID
	}
	cfg.MongoDBURI = os.Getenv("MONGODB_URI")
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if cfg.DiscordUserToken == "" {
		return nil, fmt.Errorf("config: DISCORD_USER_TOKEN is required")
	}
	if cfg.DiscordBotToken == "" {
		return nil, fmt.Errorf("config: DISCORD_BOT_TOKEN is required")
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto slog.Level the way cmd/gopherclaw/main.go
// mapped its own log_level field, defaulting to info for an unrecognized
// value rather than erroring.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
