package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/matheus3301/rtchat/internal/devserver"
	"github.com/matheus3301/rtchat/internal/devserver/store"
	"github.com/matheus3301/rtchat/internal/profile"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8080", "listen address")
	dataFlag := flag.String("data", filepath.Join(profile.BaseDir(), "devserver"), "data directory")
	accountsFlag := flag.String("accounts", "", "accounts to seed: id:token[:hidden],...")
	snapshotEvery := flag.Duration("snapshot-interval", 0, "minimum interval between presence snapshots per account (0 = unlimited)")
	snapshotBurst := flag.Int("snapshot-burst", 1, "presence snapshot burst per account")
	flag.Parse()

	accounts, err := parseAccounts(*accountsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	limits := devserver.Limits{SnapshotBurst: *snapshotBurst}
	if *snapshotEvery > 0 {
		limits.SnapshotRate = rate.Every(*snapshotEvery)
	}

	app := fx.New(
		devserver.Module(devserver.Params{
			Addr:     *addrFlag,
			DataDir:  *dataFlag,
			Accounts: accounts,
			Limits:   limits,
		}),
		fx.StopTimeout(15*time.Second),
	)

	app.Run()
}

// parseAccounts reads "id:token[:hidden]" entries separated by commas.
func parseAccounts(s string) ([]store.Account, error) {
	var out []store.Account
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid account %q: want id:token[:hidden]", item)
		}
		a := store.Account{ID: parts[0], Token: parts[1], ShowStatus: true}
		if len(parts) == 3 {
			if parts[2] != "hidden" {
				return nil, fmt.Errorf("invalid account %q: unknown flag %q", item, parts[2])
			}
			a.ShowStatus = false
		}
		out = append(out, a)
	}
	return out, nil
}
