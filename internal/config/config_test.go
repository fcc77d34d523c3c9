package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capa.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CAPA_LOG_LEVEL", "")
	t.Setenv("CAPA_NO_COLOR", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", cfg, Default())
	}
	if p := cfg.Policy(); p.CookieWindow != 4 || p.MinStringLength != 4 || p.MaxDerefDepth != 4 {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, "workers: 2\ncookieWindow: 6\nmaxStringLength: 64\n")
	t.Setenv("CAPA_WORKERS", "8")
	t.Setenv("CAPA_NO_COLOR", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, environment should win over the file", cfg.Workers)
	}
	if cfg.CookieWindow != 6 || cfg.MaxStringLength != 64 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if !cfg.NoColor {
		t.Error("CAPA_NO_COLOR ignored")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  string
		want string
	}{
		{name: "bad yaml", body: "workers: [", want: "parse config"},
		{name: "zero workers", body: "workers: 0", want: "workers must be positive"},
		{name: "negative depth", body: "maxDerefDepth: -1", want: "maxDerefDepth"},
		{name: "min above max", body: "minStringLength: 10\nmaxStringLength: 5", want: "exceeds"},
		{name: "bad env", env: "many", want: "CAPA_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("CAPA_WORKERS", tt.env)
			}
			path := ""
			if tt.body != "" {
				path = writeFile(t, tt.body)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestSchema(t *testing.T) {
	bts, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(bts, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, field := range []string{"workers", "cookieWindow", "maxDerefDepth"} {
		if !strings.Contains(string(bts), `"`+field+`"`) {
			t.Errorf("schema lacks %s", field)
		}
	}
}
