package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/backydb/backydb/internal/cryptoutil"
	"github.com/backydb/backydb/internal/errs"
)

const envPrefix = "BACKY"

// Load reads configuration from a file (optionally encrypted) and captures
// the environment contract into the Settings value. The returned Settings is
// the only place the environment is consulted; the pipeline never reads env
// vars afterwards. Callers run Validate once their overrides are applied.
func Load(path string) (*Settings, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, "config.load", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("BACKY_CONFIG_KEY")
			if key == "" {
				return nil, errs.New(errs.ConfigInvalid, "config.load", "config file is encrypted but BACKY_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, errs.Wrap(errs.ConfigInvalid, "config.decrypt", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, errs.Wrap(errs.ConfigInvalid, "config.parse", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, errs.Wrap(errs.ConfigInvalid, "config.read", err)
			}
		}
	}

	var cfg Settings
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "config.decode", err)
	}

	captureEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("BACKY_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"backy.yaml",
		"backy.yml",
		"backy.toml",
		"backy.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "backy")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"backy.yaml.enc", "backy.yml.enc", "backy.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("global.kms_timeout", "30s")
	vp.SetDefault("global.storage_timeout", "5m")
	vp.SetDefault("global.fan_out", 4)
	vp.SetDefault("database.port", 3306)
	vp.SetDefault("database.features.tables", true)
	vp.SetDefault("database.features.data", true)
	vp.SetDefault("database.query_timeout", "30s")
	vp.SetDefault("compression.compression_type", "zip")
	vp.SetDefault("security.type", "keystore")
	vp.SetDefault("security.provider", "local")
	vp.SetDefault("security.key_size", 4096)
	vp.SetDefault("security.gcp_location", "global")
	vp.SetDefault("security.gcp_key_ring", "backy")
	vp.SetDefault("integrity.integrity_type", "checksum")
	vp.SetDefault("storage.storage_type", "local")
	_ = vp.BindEnv("storage.local.path")
}

// captureEnv folds the environment contract into the Settings value.
// Explicit config values win over the environment.
func captureEnv(cfg *Settings) {
	setIfEmpty := func(dst *string, envs ...string) {
		if *dst != "" {
			return
		}
		for _, name := range envs {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}

	setIfEmpty(&cfg.Database.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Global.LogPath, "LOGGING_PATH")
	setIfEmpty(&cfg.Security.PrivateKeyPassword, "PRIVATE_KEY_PASSWORD")
	setIfEmpty(&cfg.Security.LocalKeyStorePath, "LOCAL_KEY_STORE_PATH")
	setIfEmpty(&cfg.Security.GCPProjectID, "GCP_PROJECT_ID")
	setIfEmpty(&cfg.Security.AWSRegion, "AWS_REGION")
	setIfEmpty(&cfg.Integrity.Password, "INTEGRITY_PASSWORD")
	setIfEmpty(&cfg.Storage.Local.Path, "LOCAL_PATH")
	setIfEmpty(&cfg.Storage.S3.Bucket, "AWS_S3_BUCKET")
	setIfEmpty(&cfg.Storage.S3.Endpoint, "AWS_S3_ENDPOINT")
	setIfEmpty(&cfg.Storage.S3.Region, "AWS_S3_REGION", "AWS_REGION")
	setIfEmpty(&cfg.Storage.S3.AccessKey, "AWS_ACCESS_KEY_ID")
	setIfEmpty(&cfg.Storage.S3.SecretKey, "AWS_SECRET_ACCESS_KEY")
	setIfEmpty(&cfg.Storage.S3.SessionToken, "AWS_SESSION_TOKEN")
}

func applyPostLoadDefaults(cfg *Settings) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if cfg.Global.KMSTimeout == 0 {
		cfg.Global.KMSTimeout = 30 * time.Second
	}
	if cfg.Global.StorageTimeout == 0 {
		cfg.Global.StorageTimeout = 5 * time.Minute
	}
	if cfg.Global.FanOut <= 0 {
		cfg.Global.FanOut = 4
	}
	if cfg.Database.QueryTimeout == 0 {
		cfg.Database.QueryTimeout = 30 * time.Second
	}
	if cfg.Storage.Local.Path == "" {
		cfg.Storage.Local.Path = "./backups"
	}
	if cfg.Storage.S3.Endpoint == "" {
		cfg.Storage.S3.Endpoint = "s3.amazonaws.com"
		cfg.Storage.S3.UseSSL = true
	}
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Wipe(parsed)
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}

// EncryptConfigFile encrypts a config file with the provided key.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	defer cryptoutil.Wipe(parsed)
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, ciphertext, 0o600)
}

var (
	validCompression = map[string]bool{"zip": true, "tar": true}
	validSecType     = map[string]bool{"keystore": true, "kms": true}
	validProvider    = map[string]bool{"local": true, "gcp": true, "aws": true}
	validKeySize     = map[int]bool{2048: true, 3072: true, 4096: true}
	validIntegrity   = map[string]bool{"hmac": true, "checksum": true}
	validStorage     = map[string]bool{"local": true, "aws": true}
)

// Validate checks the mode matrix and every enumerated option. A Settings
// value that passes is considered immutable for the rest of the job.
func (cfg *Settings) Validate() error {
	fail := func(format string, args ...any) error {
		return errs.New(errs.ConfigInvalid, "config.validate", format, args...)
	}

	if cfg.Database.DBName == "" {
		return fail("database.db_name is required")
	}
	if cfg.Database.Host == "" {
		return fail("database.host is required")
	}
	if !cfg.Database.Features.Any() {
		return fail("at least one feature category must be enabled")
	}
	if cfg.Database.Features.Data && !cfg.Database.Features.Tables {
		return fail("feature %q requires feature %q", "data", "tables")
	}

	if cfg.Compression.Enabled && !validCompression[cfg.Compression.Type] {
		return fail("unsupported compression_type %q (want zip or tar)", cfg.Compression.Type)
	}

	if cfg.Security.Encryption {
		if !validSecType[cfg.Security.Type] {
			return fail("unsupported security type %q (want keystore or kms)", cfg.Security.Type)
		}
		if !validProvider[cfg.Security.Provider] {
			return fail("unsupported security provider %q (want local, gcp, or aws)", cfg.Security.Provider)
		}
		if !validKeySize[cfg.Security.KeySize] {
			return fail("unsupported key_size %d (want 2048, 3072, or 4096)", cfg.Security.KeySize)
		}
		if cfg.Security.Type == "kms" && cfg.Security.Provider == "local" {
			return fail("kms security requires a cloud provider")
		}
		if cfg.Security.Provider == "local" && cfg.Security.PrivateKeyPassword == "" {
			return fail("PRIVATE_KEY_PASSWORD is required for the local key vault")
		}
		if cfg.Security.Provider == "gcp" && cfg.Security.GCPProjectID == "" {
			return fail("GCP_PROJECT_ID is required for the gcp provider")
		}
	}

	if cfg.Integrity.Enabled {
		if !validIntegrity[cfg.Integrity.Type] {
			return fail("unsupported integrity_type %q (want hmac or checksum)", cfg.Integrity.Type)
		}
		if cfg.Integrity.Type == "hmac" && cfg.Integrity.Password == "" {
			return fail("INTEGRITY_PASSWORD is required for hmac integrity")
		}
	}

	if !validStorage[cfg.Storage.Type] {
		return fail("unsupported storage_type %q (want local or aws)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "aws" && cfg.Storage.S3.Bucket == "" {
		return fail("s3 bucket is required for aws storage")
	}

	return nil
}
