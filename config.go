package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"

	// Environment Variables
	EnvDiscordToken        = "DISCORD_TOKEN"
	EnvSilent              = "SILENT"
	EnvStreamingURL        = "STREAMING_URL"
	EnvOwnerIDs            = "OWNER_IDS"
	EnvGuildID             = "GUILD_ID"
	EnvSoundCloudClientID  = "SOUNDCLOUD_CLIENT_ID"
	EnvSpotifyClientID     = "SPOTIFY_CLIENT_ID"
	EnvSpotifyClientSecret = "SPOTIFY_CLIENT_SECRET"
	EnvDurationLimit       = "DURATION_LIMIT_SEC"
	EnvAutoLeave           = "AUTO_LEAVE_SEC"
)

type Config struct {
	Token               string
	GuildID             string
	DatabasePath        string
	OwnerIDs            []string
	StreamingURL        string
	Silent              bool
	SoundCloudClientID  string
	SpotifyClientID     string
	SpotifyClientSecret string
	DurationLimit       time.Duration
	AutoLeave           time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))
	streamingURL := os.Getenv(EnvStreamingURL)

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:               token,
		GuildID:             os.Getenv(EnvGuildID),
		DatabasePath:        dbPath,
		OwnerIDs:            ownerIDs,
		StreamingURL:        streamingURL,
		Silent:              silent,
		SoundCloudClientID:  os.Getenv(EnvSoundCloudClientID),
		SpotifyClientID:     os.Getenv(EnvSpotifyClientID),
		SpotifyClientSecret: os.Getenv(EnvSpotifyClientSecret),
	}

	durationLimit, _ := strconv.Atoi(os.Getenv(EnvDurationLimit))
	if durationLimit == 0 {
		durationLimit = 21600
	}
	cfg.DurationLimit = time.Duration(durationLimit) * time.Second

	autoLeave, _ := strconv.Atoi(os.Getenv(EnvAutoLeave))
	if autoLeave == 0 {
		autoLeave = 60
	}
	cfg.AutoLeave = time.Duration(autoLeave) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
