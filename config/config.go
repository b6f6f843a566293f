package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	"sigs.k8s.io/yaml"
)

const (
	ModeHead = "head"

	StorageNameLocal = "localfs"
	StorageNameS3    = "s3"
	StorageNameSFTP  = "sftp"

	CompressorGzip     = "gzip"
	CompressorZstd     = "zstd"
	EncryptorAes256Gcm = "aes-256-gcm"

	// SnapshotsSubpath is where control-store snapshots live inside the storage backend.
	SnapshotsSubpath = "gcs-snapshots"

	envPrefix = "RAYGO_"
)

type Config struct {
	Main       MainConfig       `json:"main"`
	Log        LogConfig        `json:"log"`
	Metrics    MetricsConfig    `json:"metrics"`
	DevConfig  DevConfig        `json:"dev"`
	GCS        GCSConfig        `json:"gcs"`
	Storage    StorageConfig    `json:"storage"`
	Raylet     RayletConfig     `json:"raylet"`
	Tasks      TasksConfig      `json:"tasks"`
	Autoscaler AutoscalerConfig `json:"autoscaler"`
	Serve      ServeConfig      `json:"serve"`
}

type MainConfig struct {
	ListenPort  int    `json:"listen_port" env:"RAYGO_LISTEN_PORT, default=8265"`
	ClusterName string `json:"cluster_name" env:"RAYGO_CLUSTER_NAME, default=raygo"`
	Directory   string `json:"directory" env:"RAYGO_DIRECTORY"`
	AuthToken   string `json:"auth_token" env:"RAYGO_AUTH_TOKEN"`
}

type LogConfig struct {
	Level     string `json:"level" env:"RAYGO_LOG_LEVEL, default=info"`
	Format    string `json:"format" env:"RAYGO_LOG_FORMAT, default=text"`
	AddSource bool   `json:"add_source" env:"RAYGO_LOG_ADD_SOURCE"`
}

type MetricsConfig struct {
	Enable bool `json:"enable" env:"RAYGO_METRICS_ENABLE"`
}

type PprofConfig struct {
	Enable bool `json:"enable" env:"RAYGO_PPROF_ENABLE"`
}

type DevConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

type GCSConfig struct {
	// ConnString is a PostgreSQL DSN for the external control store.
	// Empty means the in-memory store.
	ConnString string `json:"conn_string" env:"RAYGO_GCS_CONN_STRING"`

	DeadNodeTTL       string        `json:"dead_node_ttl" env:"RAYGO_GCS_DEAD_NODE_TTL, default=5m"`
	DeadNodeTTLParsed time.Duration `json:"-"`

	Snapshot SnapshotConfig `json:"snapshot"`
}

type SnapshotConfig struct {
	Enable   bool   `json:"enable" env:"RAYGO_SNAPSHOT_ENABLE"`
	Cron     string `json:"cron" env:"RAYGO_SNAPSHOT_CRON, default=0 * * * *"`
	KeepLast int    `json:"keep_last" env:"RAYGO_SNAPSHOT_KEEP_LAST, default=7"`
}

type StorageConfig struct {
	Name        string            `json:"name" env:"RAYGO_STORAGE_NAME"`
	Compression CompressionConfig `json:"compression"`
	Encryption  EncryptionConfig  `json:"encryption"`
	S3          S3Config          `json:"s3"`
	SFTP        SFTPConfig        `json:"sftp"`
}

type CompressionConfig struct {
	Algo string `json:"algo" env:"RAYGO_STORAGE_COMPRESSION_ALGO"`
}

type EncryptionConfig struct {
	Algo string `json:"algo" env:"RAYGO_STORAGE_ENCRYPTION_ALGO"`
	Pass string `json:"pass" env:"RAYGO_STORAGE_ENCRYPTION_PASS"`
}

type S3Config struct {
	URL             string `json:"url" env:"RAYGO_STORAGE_S3_URL"`
	AccessKeyID     string `json:"access_key_id" env:"RAYGO_STORAGE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"RAYGO_STORAGE_S3_SECRET_ACCESS_KEY"`
	Bucket          string `json:"bucket" env:"RAYGO_STORAGE_S3_BUCKET"`
	Region          string `json:"region" env:"RAYGO_STORAGE_S3_REGION"`
	UsePathStyle    bool   `json:"use_path_style" env:"RAYGO_STORAGE_S3_USE_PATH_STYLE"`
	DisableSSL      bool   `json:"disable_ssl" env:"RAYGO_STORAGE_S3_DISABLE_SSL"`
}

type SFTPConfig struct {
	Host     string `json:"host" env:"RAYGO_STORAGE_SFTP_HOST"`
	Port     int    `json:"port" env:"RAYGO_STORAGE_SFTP_PORT, default=22"`
	User     string `json:"user" env:"RAYGO_STORAGE_SFTP_USER"`
	Pass     string `json:"pass" env:"RAYGO_STORAGE_SFTP_PASS"`
	PKeyPath string `json:"pkey_path" env:"RAYGO_STORAGE_SFTP_PKEY_PATH"`
	PKeyPass string `json:"pkey_pass" env:"RAYGO_STORAGE_SFTP_PKEY_PASS"`
	BaseDir  string `json:"base_dir" env:"RAYGO_STORAGE_SFTP_BASE_DIR"`
}

type RayletConfig struct {
	ReportInterval       string        `json:"report_interval" env:"RAYGO_RAYLET_REPORT_INTERVAL, default=10s"`
	ReportIntervalParsed time.Duration `json:"-"`
	MaxShapesPerReport   int           `json:"max_shapes_per_report" env:"RAYGO_RAYLET_MAX_SHAPES_PER_REPORT, default=100"`
}

type TasksConfig struct {
	OutOfOrder             bool          `json:"out_of_order" env:"RAYGO_TASKS_OUT_OF_ORDER"`
	QueueWarnThreshold     int           `json:"queue_warn_threshold" env:"RAYGO_TASKS_QUEUE_WARN_THRESHOLD, default=5000"`
	DispatchInterval       string        `json:"dispatch_interval" env:"RAYGO_TASKS_DISPATCH_INTERVAL, default=1s"`
	DispatchIntervalParsed time.Duration `json:"-"`
}

type AutoscalerConfig struct {
	Enable             bool          `json:"enable" env:"RAYGO_AUTOSCALER_ENABLE"`
	SyncInterval       string        `json:"sync_interval" env:"RAYGO_AUTOSCALER_SYNC_INTERVAL, default=15s"`
	SyncIntervalParsed time.Duration `json:"-"`
	WorkerGroup        string        `json:"worker_group" env:"RAYGO_AUTOSCALER_WORKER_GROUP, default=workers"`
	TasksPerWorker     int           `json:"tasks_per_worker" env:"RAYGO_AUTOSCALER_TASKS_PER_WORKER, default=8"`
	MinWorkers         int           `json:"min_workers" env:"RAYGO_AUTOSCALER_MIN_WORKERS, default=0"`
	MaxWorkers         int           `json:"max_workers" env:"RAYGO_AUTOSCALER_MAX_WORKERS, default=10"`
	Kuberay            KuberayConfig `json:"kuberay"`
}

type KuberayConfig struct {
	APIServer            string        `json:"api_server" env:"RAYGO_KUBERAY_API_SERVER, default=https://kubernetes.default:443"`
	Namespace            string        `json:"namespace" env:"RAYGO_KUBERAY_NAMESPACE"`
	ClusterName          string        `json:"cluster_name" env:"RAYGO_KUBERAY_CLUSTER_NAME"`
	CRDVersion           string        `json:"crd_version" env:"RAYGO_KUBERAY_CRD_VERSION, default=v1alpha1"`
	RequestTimeout       string        `json:"request_timeout" env:"RAYGO_KUBERAY_REQUEST_TIMEOUT, default=10s"`
	RequestTimeoutParsed time.Duration `json:"-"`
}

type ServeConfig struct {
	Enable     bool `json:"enable" env:"RAYGO_SERVE_ENABLE"`
	ListenPort int  `json:"listen_port" env:"RAYGO_SERVE_LISTEN_PORT, default=8000"`
}

var (
	mu     sync.Mutex
	config *Config
)

func Cfg() *Config {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		log.Fatal("config was not loaded in main")
	}
	return config
}

func setGlobal(c *Config) {
	mu.Lock()
	config = c
	mu.Unlock()
}

// MustLoad reads the config from a file (JSON or YAML), expands ${RAYGO_*}
// placeholders, fills defaults and validates. Exits on any error.
func MustLoad(path, mode string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("cannot read config file: %v", err)
	}

	var c Config
	expanded := expandEnvsWithPrefix(string(data), envPrefix)
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		log.Fatalf("cannot parse config file %s: %v", path, err)
	}

	setDefaults(&c)
	if err := validate(&c, mode); err != nil {
		log.Fatal(err)
	}

	setGlobal(&c)
	return &c
}

// MustEnvconfig builds the config from RAYGO_* environment variables only.
func MustEnvconfig(mode string) *Config {
	var c Config
	if err := envconfig.Process(context.Background(), &c); err != nil {
		log.Fatalf("cannot process envs: %v", err)
	}
	if err := validate(&c, mode); err != nil {
		log.Fatal(err)
	}

	setGlobal(&c)
	return &c
}

// setDefaults mirrors the env-tag defaults for the file-config path
// (file and env configs are alternatives, not layers).
func setDefaults(c *Config) {
	if c.Main.ListenPort == 0 {
		c.Main.ListenPort = 8265
	}
	if c.Main.ClusterName == "" {
		c.Main.ClusterName = "raygo"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.GCS.DeadNodeTTL == "" {
		c.GCS.DeadNodeTTL = "5m"
	}
	if c.GCS.Snapshot.Cron == "" {
		c.GCS.Snapshot.Cron = "0 * * * *"
	}
	if c.GCS.Snapshot.KeepLast == 0 {
		c.GCS.Snapshot.KeepLast = 7
	}
	if c.Storage.SFTP.Port == 0 {
		c.Storage.SFTP.Port = 22
	}
	if c.Raylet.ReportInterval == "" {
		c.Raylet.ReportInterval = "10s"
	}
	if c.Raylet.MaxShapesPerReport == 0 {
		c.Raylet.MaxShapesPerReport = 100
	}
	if c.Tasks.QueueWarnThreshold == 0 {
		c.Tasks.QueueWarnThreshold = 5000
	}
	if c.Tasks.DispatchInterval == "" {
		c.Tasks.DispatchInterval = "1s"
	}
	if c.Autoscaler.SyncInterval == "" {
		c.Autoscaler.SyncInterval = "15s"
	}
	if c.Autoscaler.WorkerGroup == "" {
		c.Autoscaler.WorkerGroup = "workers"
	}
	if c.Autoscaler.TasksPerWorker == 0 {
		c.Autoscaler.TasksPerWorker = 8
	}
	if c.Autoscaler.MaxWorkers == 0 {
		c.Autoscaler.MaxWorkers = 10
	}
	if c.Autoscaler.Kuberay.APIServer == "" {
		c.Autoscaler.Kuberay.APIServer = "https://kubernetes.default:443"
	}
	if c.Autoscaler.Kuberay.CRDVersion == "" {
		c.Autoscaler.Kuberay.CRDVersion = "v1alpha1"
	}
	if c.Autoscaler.Kuberay.RequestTimeout == "" {
		c.Autoscaler.Kuberay.RequestTimeout = "10s"
	}
	if c.Serve.ListenPort == 0 {
		c.Serve.ListenPort = 8000
	}
}

func validate(c *Config, mode string) error {
	var errs []string

	if mode != ModeHead {
		errs = append(errs, fmt.Sprintf("invalid mode: %s", mode))
	}
	if c.Main.ListenPort <= 0 {
		errs = append(errs, "main.listen_port is required")
	}

	parseDur := func(field, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s cannot parse: %q", field, value))
			return
		}
		*dst = d
	}
	parseDur("gcs.dead_node_ttl", c.GCS.DeadNodeTTL, &c.GCS.DeadNodeTTLParsed)
	parseDur("raylet.report_interval", c.Raylet.ReportInterval, &c.Raylet.ReportIntervalParsed)
	parseDur("tasks.dispatch_interval", c.Tasks.DispatchInterval, &c.Tasks.DispatchIntervalParsed)
	parseDur("autoscaler.sync_interval", c.Autoscaler.SyncInterval, &c.Autoscaler.SyncIntervalParsed)
	parseDur("autoscaler.kuberay.request_timeout", c.Autoscaler.Kuberay.RequestTimeout, &c.Autoscaler.Kuberay.RequestTimeoutParsed)

	if c.Raylet.MaxShapesPerReport <= 0 {
		errs = append(errs, "raylet.max_shapes_per_report must be > 0")
	}
	if c.Tasks.QueueWarnThreshold <= 0 {
		errs = append(errs, "tasks.queue_warn_threshold must be > 0")
	}

	if c.GCS.Snapshot.Enable {
		if c.GCS.Snapshot.Cron == "" {
			errs = append(errs, "gcs.snapshot.cron is required")
		}
		if c.GCS.Snapshot.KeepLast <= 0 {
			errs = append(errs, "gcs.snapshot.keep_last must be > 0")
		}
		if c.IsLocalStor() && c.Main.Directory == "" {
			errs = append(errs, "main.directory is required for localfs snapshot storage")
		}
		switch {
		case c.IsLocalStor():
			// nothing else to check
		case strings.EqualFold(c.Storage.Name, StorageNameS3):
			if c.Storage.S3.URL == "" || c.Storage.S3.Bucket == "" {
				errs = append(errs, "storage.s3.url and storage.s3.bucket are required")
			}
			if c.Storage.S3.AccessKeyID == "" || c.Storage.S3.SecretAccessKey == "" {
				errs = append(errs, "storage.s3.access_key_id and storage.s3.secret_access_key are required")
			}
		case strings.EqualFold(c.Storage.Name, StorageNameSFTP):
			if c.Storage.SFTP.Host == "" || c.Storage.SFTP.User == "" {
				errs = append(errs, "storage.sftp.host and storage.sftp.user are required")
			}
			if c.Storage.SFTP.Pass == "" && c.Storage.SFTP.PKeyPath == "" {
				errs = append(errs, "either storage.sftp.pass or storage.sftp.pkey_path must be provided")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown storage.name: %s", c.Storage.Name))
		}

		switch c.Storage.Compression.Algo {
		case "", CompressorGzip, CompressorZstd:
		default:
			errs = append(errs, fmt.Sprintf("unknown storage.compression.algo: %s", c.Storage.Compression.Algo))
		}
		switch c.Storage.Encryption.Algo {
		case "":
		case EncryptorAes256Gcm:
			if c.Storage.Encryption.Pass == "" {
				errs = append(errs, "storage.encryption.pass is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown storage.encryption.algo: %s", c.Storage.Encryption.Algo))
		}
	}

	if c.Autoscaler.Enable {
		if c.Autoscaler.Kuberay.Namespace == "" {
			errs = append(errs, "autoscaler.kuberay.namespace is required")
		}
		if c.Autoscaler.Kuberay.ClusterName == "" {
			errs = append(errs, "autoscaler.kuberay.cluster_name is required")
		}
		if c.Autoscaler.TasksPerWorker <= 0 {
			errs = append(errs, "autoscaler.tasks_per_worker must be > 0")
		}
		if c.Autoscaler.MaxWorkers < c.Autoscaler.MinWorkers {
			errs = append(errs, "autoscaler.max_workers must be >= autoscaler.min_workers")
		}
	}

	if c.Serve.Enable && c.Serve.ListenPort <= 0 {
		errs = append(errs, "serve.listen_port is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation error:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsLocalStor reports whether snapshots go to the local filesystem backend.
func (c *Config) IsLocalStor() bool {
	return c.Storage.Name == "" || strings.EqualFold(c.Storage.Name, StorageNameLocal)
}

func (c *Config) UsesExternalGCS() bool {
	return c.GCS.ConnString != ""
}

// String renders the config for startup logs with secrets redacted.
func (c *Config) String() string {
	cp := *c
	redact := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	redact(&cp.Main.AuthToken)
	redact(&cp.GCS.ConnString)
	redact(&cp.Storage.S3.SecretAccessKey)
	redact(&cp.Storage.Encryption.Pass)
	redact(&cp.Storage.SFTP.Pass)
	redact(&cp.Storage.SFTP.PKeyPass)

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(data)
}

var envPlaceholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvsWithPrefix expands ${VAR} placeholders whose names carry the given
// prefix; everything else is left untouched.
func expandEnvsWithPrefix(s, prefix string) string {
	return envPlaceholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envPlaceholderRe.FindStringSubmatch(match)[1]
		if !strings.HasPrefix(name, prefix) {
			return match
		}
		return os.Getenv(name)
	})
}
