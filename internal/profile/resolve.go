package profile

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/rtchat/internal/config"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config default_profile (after RTCHAT_PROFILE override)
// 3. "main"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Load reads the global config, the optional .env next to it and RTCHAT_*
// overrides, then resolves and validates the profile name.
func Load(flagOverride string) (string, *config.Config, error) {
	config.LoadDotenv(DotenvPath())
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()

	name := Resolve(flagOverride, cfg)
	if err := ValidateName(name); err != nil {
		return "", nil, err
	}
	return name, cfg, nil
}
