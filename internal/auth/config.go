package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/synthstream/internal/config"
)

// FromConfig builds the token source selected by cfg.Mode.
func FromConfig(cfg config.AuthConfig, httpClient *http.Client, log *slog.Logger) (TokenSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "static":
		return Static(cfg.Token), nil
	case "", "iam":
		return NewIAM(cfg.APIKey, cfg.IAMURL, httpClient, log)
	case "command":
		return NewCommand(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
