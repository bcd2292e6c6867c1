package session

import (
	"fmt"
	"regexp"

	"github.com/mvellosa/courier/internal/config"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateName rejects session names that would escape the sessions dir
// or produce awkward file paths.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRe)
	}
	return nil
}

// Resolve picks the session name: explicit flag, then config default,
// then "default".
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return "default"
}
