package fetch

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rb3ckers/storefetch/internal/config"
)

// Credentials are attached to requests that ask for session credentials.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials reads basic auth credentials from the config. A password file
// takes precedence over inline username/password. Returns nil when none are set.
func LoadCredentials(cfg *config.Config) (*Credentials, error) {
	if cfg.PasswordFile != "" {
		username, password, err := parseUsernamePassword(cfg.PasswordFile)
		if err != nil {
			return nil, err
		}

		return &Credentials{Username: username, Password: password}, nil
	}

	if cfg.Username == "" && cfg.Password == "" {
		return nil, nil
	}

	return &Credentials{Username: cfg.Username, Password: cfg.Password}, nil
}

// Apply sets the Authorization header unless the caller supplied one.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil || req.Header.Get("Authorization") != "" {
		return
	}

	req.SetBasicAuth(c.Username, c.Password)
}

func parseUsernamePassword(passwordFile string) (string, string, error) {
	data, err := os.ReadFile(passwordFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to load password file: %w", err)
	}

	split := strings.SplitN(strings.TrimSpace(string(data)), ":", 2) //nolint:gomnd
	if len(split) != 2 {                                             //nolint:gomnd
		return "", "", fmt.Errorf("failed to parse username/password. Expected username and password separated by ':'")
	}

	return split[0], split[1], nil
}
