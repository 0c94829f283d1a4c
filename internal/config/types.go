package config

import (
	"time"

	"github.com/backydb/backydb/internal/schema"
)

// Settings is the root configuration. It is built once at job construction,
// env vars included, and never mutated afterwards.
type Settings struct {
	Global      GlobalConfig      `mapstructure:"global"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Compression CompressionConfig `mapstructure:"compression"`
	Security    SecurityConfig    `mapstructure:"security"`
	Integrity   IntegrityConfig   `mapstructure:"integrity"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Restore     RestoreConfig     `mapstructure:"restore"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LogPath          string        `mapstructure:"log_path"`   // from LOGGING_PATH
	LockFile         string        `mapstructure:"lock_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	KMSTimeout       time.Duration `mapstructure:"kms_timeout"`
	StorageTimeout   time.Duration `mapstructure:"storage_timeout"`
	FanOut           int           `mapstructure:"fan_out"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"`
}

type DatabaseConfig struct {
	Host          string          `mapstructure:"host"`
	Port          int             `mapstructure:"port"`
	User          string          `mapstructure:"user"`
	Password      string          `mapstructure:"password"` // from DB_PASSWORD
	DBName        string          `mapstructure:"db_name"`
	MultipleFiles bool            `mapstructure:"multiple_files"`
	Features      schema.Features `mapstructure:"features"`
	QueryTimeout  time.Duration   `mapstructure:"query_timeout"`
	BestEffort    bool            `mapstructure:"best_effort"`
}

type CompressionConfig struct {
	Enabled bool   `mapstructure:"compression"`
	Type    string `mapstructure:"compression_type"` // zip or tar
}

type SecurityConfig struct {
	Encryption         bool   `mapstructure:"encryption"`
	Type               string `mapstructure:"type"`     // keystore or kms
	Provider           string `mapstructure:"provider"` // local, gcp, aws
	KeySize            int    `mapstructure:"key_size"` // 2048, 3072, 4096
	KeyID              string `mapstructure:"key_id"`
	PrivateKeyPassword string `mapstructure:"private_key_password"` // from PRIVATE_KEY_PASSWORD
	LocalKeyStorePath  string `mapstructure:"local_key_store_path"` // from LOCAL_KEY_STORE_PATH
	GCPProjectID       string `mapstructure:"gcp_project_id"`       // from GCP_PROJECT_ID
	GCPLocation        string `mapstructure:"gcp_location"`
	GCPKeyRing         string `mapstructure:"gcp_key_ring"`
	AWSRegion          string `mapstructure:"aws_region"` // from AWS_REGION
}

type IntegrityConfig struct {
	Enabled  bool   `mapstructure:"integrity_check"`
	Type     string `mapstructure:"integrity_type"` // hmac or checksum
	Password string `mapstructure:"password"`       // from INTEGRITY_PASSWORD
}

type StorageConfig struct {
	Type   string     `mapstructure:"storage_type"` // local or aws
	Prefix string     `mapstructure:"prefix"`
	Local  LocalStore `mapstructure:"local"`
	S3     S3Store    `mapstructure:"s3"`
}

type LocalStore struct {
	Path string `mapstructure:"path"` // from LOCAL_PATH
}

type S3Store struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"access_key"` // from AWS_ACCESS_KEY_ID
	SecretKey      string `mapstructure:"secret_key"` // from AWS_SECRET_ACCESS_KEY
	SessionToken   string `mapstructure:"session_token"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type RestoreConfig struct {
	BackupPath string `mapstructure:"backup_path"`
	DryRun     bool   `mapstructure:"dry_run"`
}
