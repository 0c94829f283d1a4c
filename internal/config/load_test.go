package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  db_name: shop
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Port != 3306 {
		t.Fatalf("expected default port 3306, got %d", cfg.Database.Port)
	}
	if !cfg.Database.Features.Tables || !cfg.Database.Features.Data {
		t.Fatalf("expected tables+data default features, got %+v", cfg.Database.Features)
	}
	if cfg.Database.Features.Views || cfg.Database.Features.Events {
		t.Fatalf("non-default features must stay off")
	}
	if cfg.Storage.Type != "local" {
		t.Fatalf("expected local storage default, got %s", cfg.Storage.Type)
	}
	if cfg.Global.FanOut != 4 {
		t.Fatalf("expected fan_out 4, got %d", cfg.Global.FanOut)
	}
}

func TestLoadCapturesEnvironment(t *testing.T) {
	t.Setenv("DB_PASSWORD", "sekret")
	t.Setenv("LOCAL_PATH", "/srv/backups")
	path := writeConfig(t, `
database:
  host: db.internal
  db_name: shop
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Password != "sekret" {
		t.Fatalf("DB_PASSWORD not captured")
	}
	if cfg.Storage.Local.Path != "/srv/backups" {
		t.Fatalf("LOCAL_PATH not captured, got %s", cfg.Storage.Local.Path)
	}
}

func TestValidateRejectsBadCompression(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  db_name: shop
compression:
  compression: true
  compression_type: rar
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidateRejectsDataWithoutTables(t *testing.T) {
	cfg := &Settings{
		Database: DatabaseConfig{
			Host:     "localhost",
			DBName:   "shop",
			Features: schema.Features{Data: true},
		},
		Storage: StorageConfig{Type: "local"},
	}
	if err := cfg.Validate(); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidateRejectsLocalKMS(t *testing.T) {
	cfg := &Settings{
		Database: DatabaseConfig{
			Host:     "localhost",
			DBName:   "shop",
			Features: schema.DefaultFeatures(),
		},
		Security: SecurityConfig{
			Encryption: true,
			Type:       "kms",
			Provider:   "local",
			KeySize:    4096,
		},
		Storage: StorageConfig{Type: "local"},
	}
	if err := cfg.Validate(); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidateRequiresHMACPassword(t *testing.T) {
	cfg := &Settings{
		Database: DatabaseConfig{
			Host:     "localhost",
			DBName:   "shop",
			Features: schema.DefaultFeatures(),
		},
		Integrity: IntegrityConfig{Enabled: true, Type: "hmac"},
		Storage:   StorageConfig{Type: "local"},
	}
	if err := cfg.Validate(); !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestEncryptedConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "backy.yaml")
	sealed := filepath.Join(dir, "backy.yaml.enc")
	body := "database:\n  host: localhost\n  db_name: shop\n"
	if err := os.WriteFile(plain, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	key := "hex:" + "abcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcd"[:64]
	if err := EncryptConfigFile(plain, sealed, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	t.Setenv("BACKY_CONFIG_KEY", key)
	cfg, err := Load(sealed)
	if err != nil {
		t.Fatalf("load encrypted: %v", err)
	}
	if cfg.Database.DBName != "shop" {
		t.Fatalf("unexpected db name %q", cfg.Database.DBName)
	}
}
