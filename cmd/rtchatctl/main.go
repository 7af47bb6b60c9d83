package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/config"
	"github.com/matheus3301/rtchat/internal/logging"
	"github.com/matheus3301/rtchat/internal/profile"
)

var (
	profileFlag string
	serverFlag  string
	tokenFlag   string
	jsonFlag    bool
	verboseFlag bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "rtchatctl",
	Short:        "Command-line client for the realtime chat runtime",
	Long:         "Look up presence, send and list messages, and watch live conversation events.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	pf.StringVar(&serverFlag, "server", "", "chat server URL (overrides config)")
	pf.StringVar(&tokenFlag, "token", "", "bearer token (overrides config)")
	pf.BoolVar(&jsonFlag, "json", false, "output in JSON format")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "log debug output to stderr")
	pf.DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

// loadProfile resolves the profile and applies the command-line overrides.
func loadProfile() (string, *config.Config, error) {
	name, cfg, err := profile.Load(profileFlag)
	if err != nil {
		return "", nil, err
	}
	if serverFlag != "" {
		cfg.Server.URL = serverFlag
	}
	if tokenFlag != "" {
		cfg.Server.Token = tokenFlag
	}
	if cfg.Server.Token == "" {
		return "", nil, fmt.Errorf("no token for profile %q: set server.token, RTCHAT_TOKEN or --token", name)
	}
	return name, cfg, nil
}

func newAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Server.URL, api.WithToken(cfg.Server.Token), api.WithTimeout(timeoutFlag))
}

func newLogger() *zap.Logger {
	return logging.NewConsole(verboseFlag)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
