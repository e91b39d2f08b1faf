package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvGatewayToken     = "LADDER_GATEWAY_TOKEN"
	EnvTelegramBotToken = "LADDER_TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "LADDER_TELEGRAM_CHAT_ID"
)

// LoadDotEnv populates the process environment from the given files.
// Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv fills secrets from the environment when the YAML leaves them empty.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvGatewayToken); ok && strings.TrimSpace(c.Gateway.Token) == "" {
		c.Gateway.Token = v
	}
	if v, ok := lookup(EnvTelegramBotToken); ok && strings.TrimSpace(c.Observability.Telegram.BotToken) == "" {
		c.Observability.Telegram.BotToken = v
	}
	if v, ok := lookup(EnvTelegramChatID); ok && strings.TrimSpace(c.Observability.Telegram.ChatID) == "" {
		c.Observability.Telegram.ChatID = v
	}
}
