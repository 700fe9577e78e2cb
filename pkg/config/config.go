// Package config loads txrepo settings from defaults, an optional YAML file
// and TXREPO_* environment variables.
package config

// Storage selects the persistent store behind repositories.
type Storage struct {
	Driver      string `koanf:"driver"       env:"TXREPO_STORAGE_DRIVER"       validate:"oneof=memory sqlite postgres journal"`
	SQLitePath  string `koanf:"sqlite_path"  env:"TXREPO_STORAGE_SQLITE_PATH"`
	PostgresDSN string `koanf:"postgres_dsn" env:"TXREPO_STORAGE_POSTGRES_DSN"`
}

// S3 configures the S3 blob driver used by the snapshot journal.
type S3 struct {
	Bucket          string `koanf:"bucket"            env:"TXREPO_JOURNAL_S3_BUCKET"`
	Region          string `koanf:"region"            env:"TXREPO_JOURNAL_S3_REGION"`
	Endpoint        string `koanf:"endpoint"          env:"TXREPO_JOURNAL_S3_ENDPOINT"`
	AccessKeyID     string `koanf:"access_key_id"     env:"TXREPO_JOURNAL_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `koanf:"secret_access_key" env:"TXREPO_JOURNAL_S3_SECRET_ACCESS_KEY"`
	PathStyle       bool   `koanf:"path_style"        env:"TXREPO_JOURNAL_S3_PATH_STYLE"`
}

// Journal configures snapshot durability for the journal storage driver.
type Journal struct {
	Driver string `koanf:"driver"  env:"TXREPO_JOURNAL_DRIVER"  validate:"oneof=fs s3 memory"`
	FSRoot string `koanf:"fs_root" env:"TXREPO_JOURNAL_FS_ROOT"`
	Prefix string `koanf:"prefix"  env:"TXREPO_JOURNAL_PREFIX"`
	Keep   int    `koanf:"keep"    env:"TXREPO_JOURNAL_KEEP"    validate:"gte=0"`
	S3     S3     `koanf:"s3"`
}

// Log configures pkg/logger.
type Log struct {
	Level string `koanf:"level" env:"TXREPO_LOG_LEVEL" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"  env:"TXREPO_LOG_JSON"`
}

// Repository configures transactional repositories.
type Repository struct {
	ChangeTracking    string `koanf:"change_tracking"     env:"TXREPO_REPOSITORY_CHANGE_TRACKING"     validate:"oneof=assigned value"`
	EagerCallbackRead bool   `koanf:"eager_callback_read" env:"TXREPO_REPOSITORY_EAGER_CALLBACK_READ"`
}

// Metrics selects the metrics exporter.
type Metrics struct {
	Backend   string `koanf:"backend"   env:"TXREPO_METRICS_BACKEND"   validate:"oneof=none expvar prometheus"`
	Namespace string `koanf:"namespace" env:"TXREPO_METRICS_NAMESPACE"`
}

// Config is the root configuration.
type Config struct {
	Storage    Storage    `koanf:"storage"`
	Journal    Journal    `koanf:"journal"`
	Log        Log        `koanf:"log"`
	Repository Repository `koanf:"repository"`
	Metrics    Metrics    `koanf:"metrics"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:      "memory",
			SQLitePath:  "txrepo.db",
			PostgresDSN: "postgres://localhost/txrepo?sslmode=disable",
		},
		Journal: Journal{
			Driver: "fs",
			FSRoot: "txrepo-journal",
			Keep:   10,
			S3:     S3{Region: "us-east-1"},
		},
		Log:        Log{Level: "info"},
		Repository: Repository{ChangeTracking: "assigned"},
		Metrics:    Metrics{Backend: "none", Namespace: "txrepo"},
	}
}
