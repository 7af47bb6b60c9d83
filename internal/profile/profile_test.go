package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/rtchat/internal/config"
)

func TestPathsUnderHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("RTCHAT_HOME", base)

	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if got := LogPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "logs", "rtchat.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
	if got, want := ConfigPath(), filepath.Join(base, "config.toml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("RTCHAT_HOME", t.TempDir())

	if err := EnsureDir("work"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("work"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	cfg := config.Default()
	if got := Resolve("", cfg); got != DefaultName {
		t.Errorf("Resolve(empty) = %q, want %q", got, DefaultName)
	}
	cfg.DefaultProfile = "work"
	if got := Resolve("", cfg); got != "work" {
		t.Errorf("Resolve(config) = %q, want work", got)
	}
	if got := Resolve("alt", cfg); got != "alt" {
		t.Errorf("Resolve(flag) = %q, want alt", got)
	}
	if got := Resolve("", nil); got != DefaultName {
		t.Errorf("Resolve(nil cfg) = %q, want %q", got, DefaultName)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"slash", "my/profile", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	base := t.TempDir()
	t.Setenv("RTCHAT_HOME", base)
	t.Setenv("RTCHAT_SERVER_URL", "")
	os.Unsetenv("RTCHAT_SERVER_URL")
	t.Setenv("RTCHAT_PROFILE", "")
	os.Unsetenv("RTCHAT_PROFILE")

	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(DotenvPath(), []byte("RTCHAT_SERVER_URL=http://chat.test\n"), 0600); err != nil {
		t.Fatal(err)
	}

	name, got, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if name != "work" {
		t.Errorf("profile = %q, want work", name)
	}
	if got.Server.URL != "http://chat.test" {
		t.Errorf("server url = %q, want dotenv value", got.Server.URL)
	}

	if _, _, err := Load("Bad Name"); err == nil {
		t.Error("Load(invalid) error = nil")
	}
}
