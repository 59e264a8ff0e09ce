package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/udp-obfuscat/internal/config"
	"github.com/postalsys/udp-obfuscat/internal/filter"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() did not set theme")
	}
}

func TestSplitAddrs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single", "127.0.0.1:5000", []string{"127.0.0.1:5000"}, false},
		{"list with spaces", " 0.0.0.0:6000 , [::]:6000 ", []string{"0.0.0.0:6000", "[::]:6000"}, false},
		{"trailing comma", "127.0.0.1:5000,", []string{"127.0.0.1:5000"}, false},
		{"empty", "", nil, true},
		{"missing port", "127.0.0.1", nil, true},
		{"one bad entry", "127.0.0.1:5000,localhost", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitAddrs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitAddrs(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("splitAddrs(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitAddrs(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseHeadLen(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		isNil   bool
		wantErr bool
	}{
		{"", 0, true, false},
		{"  ", 0, true, false},
		{"0", 0, false, false},
		{"16", 16, false, false},
		{"-1", 0, false, true},
		{"abc", 0, false, true},
	}

	for _, tt := range tests {
		got, err := parseHeadLen(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHeadLen(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if tt.isNil {
			if got != nil {
				t.Errorf("parseHeadLen(%q) = %d, want nil", tt.input, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("parseHeadLen(%q) = %v, want %d", tt.input, got, tt.want)
		}
	}
}

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"./udp-obfuscat.yaml", false},
		{"/etc/udp-obfuscat/config.yml", false},
		{"", true},
		{"config.json", true},
	}
	for _, tt := range tests {
		if err := validateConfigPath(tt.path); (err != nil) != tt.wantErr {
			t.Errorf("validateConfigPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestMakeKey(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		a, err := MakeKey(KeyGenerate, "")
		if err != nil {
			t.Fatalf("MakeKey: %v", err)
		}
		b, _ := MakeKey(KeyGenerate, "")
		if a == b {
			t.Error("two generated keys are identical")
		}
		key, err := filter.DecodeKey(a)
		if err != nil {
			t.Fatalf("generated key does not decode: %v", err)
		}
		if len(key) != filter.DefaultKeySize {
			t.Errorf("key length = %d, want %d", len(key), filter.DefaultKeySize)
		}
	})

	t.Run("paste", func(t *testing.T) {
		got, err := MakeKey(KeyPaste, "  qg==\n")
		if err != nil {
			t.Fatalf("MakeKey: %v", err)
		}
		if got != "qg==" {
			t.Errorf("key = %q, want qg==", got)
		}
		if _, err := MakeKey(KeyPaste, "!!"); err == nil {
			t.Error("invalid base64 should fail")
		}
	})

	t.Run("passphrase", func(t *testing.T) {
		a, err := MakeKey(KeyPassphrase, "correct horse")
		if err != nil {
			t.Fatalf("MakeKey: %v", err)
		}
		b, _ := MakeKey(KeyPassphrase, "correct horse")
		if a != b {
			t.Error("passphrase keys differ between runs")
		}
		if _, err := MakeKey(KeyPassphrase, ""); err == nil {
			t.Error("empty passphrase should fail")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := MakeKey("telepathy", ""); err == nil {
			t.Error("unknown source should fail")
		}
	})
}

func TestBuildConfig(t *testing.T) {
	a := Answers{
		ConfigPath:    "./udp-obfuscat.yaml",
		Role:          RoleServer,
		ListenAddrs:   "0.0.0.0:6000, [::]:6000",
		RemoteAddr:    "127.0.0.1:51820",
		KeySource:     KeyPaste,
		KeyInput:      "c2VjcmV0",
		HeadLen:       "8",
		LogLevel:      "debug",
		HealthEnabled: true,
		User:          "nobody",
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}

	if len(cfg.Listener.Addresses) != 2 || cfg.Listener.Addresses[1] != "[::]:6000" {
		t.Errorf("Listener.Addresses = %v", cfg.Listener.Addresses)
	}
	if cfg.Remote.Address != "127.0.0.1:51820" {
		t.Errorf("Remote.Address = %s", cfg.Remote.Address)
	}
	if cfg.Filters.XorKey != "c2VjcmV0" {
		t.Errorf("Filters.XorKey = %s", cfg.Filters.XorKey)
	}
	if cfg.Filters.HeadLen == nil || *cfg.Filters.HeadLen != 8 {
		t.Errorf("Filters.HeadLen = %v, want 8", cfg.Filters.HeadLen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s", cfg.Logging.Level)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false")
	}
	if cfg.General.User != "nobody" {
		t.Errorf("General.User = %s", cfg.General.User)
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := BuildConfig(Answers{
		ListenAddrs: "127.0.0.1:5000",
		RemoteAddr:  "relay.example.net:6000",
	})
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}

	if cfg.Filters.HeadLen != nil {
		t.Error("HeadLen should be nil by default")
	}
	if cfg.Filters.XorKey == "" {
		t.Error("a key should be generated by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Relay.IdleTimeout != config.Default().Relay.IdleTimeout {
		t.Errorf("Relay.IdleTimeout = %v", cfg.Relay.IdleTimeout)
	}
}

func TestBuildConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		a    Answers
	}{
		{"no listen", Answers{RemoteAddr: "1.2.3.4:5"}},
		{"bad head", Answers{ListenAddrs: "127.0.0.1:5000", RemoteAddr: "1.2.3.4:5", HeadLen: "x"}},
		{"no remote", Answers{ListenAddrs: "127.0.0.1:5000"}},
		{"bad log level", Answers{ListenAddrs: "127.0.0.1:5000", RemoteAddr: "1.2.3.4:5", LogLevel: "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildConfig(tt.a); err == nil {
				t.Error("BuildConfig should fail")
			}
		})
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	cfg, err := BuildConfig(Answers{
		ListenAddrs: "127.0.0.1:5000",
		RemoteAddr:  "192.0.2.1:6000",
		KeySource:   KeyPaste,
		KeyInput:    "qg==",
		HeadLen:     "4",
	})
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}

	configPath := filepath.Join(t.TempDir(), "nested", "dir", "udp-obfuscat.yaml")
	if err := writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("config file mode = %o, want no group/other access", perm)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if !strings.HasPrefix(string(data), "# udp-obfuscat configuration") {
		t.Error("Config file missing header comment")
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if loaded.Filters.XorKey != "qg==" {
		t.Errorf("XorKey = %s, want qg==", loaded.Filters.XorKey)
	}
	if loaded.Filters.HeadLen == nil || *loaded.Filters.HeadLen != 4 {
		t.Errorf("HeadLen = %v, want 4", loaded.Filters.HeadLen)
	}
	if loaded.Remote.Address != "192.0.2.1:6000" {
		t.Errorf("Remote.Address = %s", loaded.Remote.Address)
	}
}
