package config

import (
	"fmt"
	"strings"

	"deskrelay/internal/ids"
)

const (
	TokenSourceConfig    = "config"
	TokenSourceFile      = "file"
	TokenSourceGenerated = "generated"
)

type ControlTokenResult struct {
	Token  string
	Source string
	IsNew  bool
	Weak   bool
}

// LoadOrCreateControlToken picks the bearer token for the control API. A
// configured token wins and is recorded in settings.json if none is stored
// yet; otherwise the stored token is used; otherwise a new one is generated
// and persisted.
func LoadOrCreateControlToken(configured string, settingsPath string) (*ControlTokenResult, error) {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if token := strings.TrimSpace(configured); token != "" {
		if settings.ControlToken == nil {
			settings.ControlToken = &token
			if err := writeSettings(settingsPath, settings); err != nil {
				return nil, fmt.Errorf("write settings: %w", err)
			}
		}
		return &ControlTokenResult{Token: token, Source: TokenSourceConfig, Weak: isWeakToken(token)}, nil
	}

	if settings.ControlToken != nil && strings.TrimSpace(*settings.ControlToken) != "" {
		token := strings.TrimSpace(*settings.ControlToken)
		return &ControlTokenResult{Token: token, Source: TokenSourceFile, Weak: isWeakToken(token)}, nil
	}

	token := ids.NewToken(32)
	settings.ControlToken = &token
	if err := writeSettings(settingsPath, settings); err != nil {
		return nil, fmt.Errorf("write settings: %w", err)
	}
	return &ControlTokenResult{Token: token, Source: TokenSourceGenerated, IsNew: true}, nil
}

func isWeakToken(token string) bool {
	if len(token) < 16 {
		return true
	}

	lower := strings.ToLower(token)
	for _, pattern := range []string{"abc", "123", "password", "secret", "token"} {
		if strings.HasPrefix(lower, pattern) {
			return true
		}
	}

	if strings.Count(token, token[:1]) == len(token) {
		return true
	}
	return strings.Trim(token, "0123456789") == ""
}
