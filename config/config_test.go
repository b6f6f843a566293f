package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHeadConfig() *Config {
	c := &Config{}
	c.Main.Directory = "/var/lib/raygo"
	setDefaults(c)
	return c
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		mode     string
		wantMsgs []string
	}{
		{
			name:   "valid defaults",
			mutate: func(_ *Config) {},
			mode:   ModeHead,
		},
		{
			name:     "invalid mode",
			mutate:   func(_ *Config) {},
			mode:     "replica",
			wantMsgs: []string{"invalid mode: replica"},
		},
		{
			name: "missing listen port",
			mutate: func(c *Config) {
				c.Main.ListenPort = -1
			},
			mode:     ModeHead,
			wantMsgs: []string{"main.listen_port is required"},
		},
		{
			name: "bad durations",
			mutate: func(c *Config) {
				c.GCS.DeadNodeTTL = "5 parsecs"
				c.Autoscaler.SyncInterval = "soon"
			},
			mode: ModeHead,
			wantMsgs: []string{
				"gcs.dead_node_ttl cannot parse",
				"autoscaler.sync_interval cannot parse",
			},
		},
		{
			name: "snapshot without directory for localfs",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Main.Directory = ""
			},
			mode:     ModeHead,
			wantMsgs: []string{"main.directory is required for localfs snapshot storage"},
		},
		{
			name: "snapshot s3 missing credentials",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Storage.Name = StorageNameS3
				c.Storage.S3.URL = "https://s3.example.com"
				c.Storage.S3.Bucket = "raygo"
			},
			mode:     ModeHead,
			wantMsgs: []string{"storage.s3.access_key_id and storage.s3.secret_access_key are required"},
		},
		{
			name: "snapshot sftp missing auth",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Storage.Name = StorageNameSFTP
				c.Storage.SFTP.Host = "backup-host"
				c.Storage.SFTP.User = "raygo"
			},
			mode:     ModeHead,
			wantMsgs: []string{"either storage.sftp.pass or storage.sftp.pkey_path must be provided"},
		},
		{
			name: "snapshot unknown storage",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Storage.Name = "tape"
			},
			mode:     ModeHead,
			wantMsgs: []string{"unknown storage.name: tape"},
		},
		{
			name: "encryption without pass",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Storage.Encryption.Algo = EncryptorAes256Gcm
			},
			mode:     ModeHead,
			wantMsgs: []string{"storage.encryption.pass is required"},
		},
		{
			name: "unknown compression",
			mutate: func(c *Config) {
				c.GCS.Snapshot.Enable = true
				c.Storage.Compression.Algo = "lz77"
			},
			mode:     ModeHead,
			wantMsgs: []string{"unknown storage.compression.algo: lz77"},
		},
		{
			name: "autoscaler missing kuberay target",
			mutate: func(c *Config) {
				c.Autoscaler.Enable = true
			},
			mode: ModeHead,
			wantMsgs: []string{
				"autoscaler.kuberay.namespace is required",
				"autoscaler.kuberay.cluster_name is required",
			},
		},
		{
			name: "autoscaler bounds inverted",
			mutate: func(c *Config) {
				c.Autoscaler.Enable = true
				c.Autoscaler.Kuberay.Namespace = "ray"
				c.Autoscaler.Kuberay.ClusterName = "demo"
				c.Autoscaler.MinWorkers = 12
				c.Autoscaler.MaxWorkers = 4
			},
			mode:     ModeHead,
			wantMsgs: []string{"autoscaler.max_workers must be >= autoscaler.min_workers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validHeadConfig()
			tt.mutate(c)

			err := validate(c, tt.mode)
			if len(tt.wantMsgs) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.wantMsgs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestValidateParsesDurations(t *testing.T) {
	c := validHeadConfig()
	c.GCS.DeadNodeTTL = "90s"
	c.Raylet.ReportInterval = "2s"
	c.Tasks.DispatchInterval = "250ms"
	c.Autoscaler.SyncInterval = "1m"
	c.Autoscaler.Kuberay.RequestTimeout = "3s"

	require.NoError(t, validate(c, ModeHead))
	assert.Equal(t, 90*time.Second, c.GCS.DeadNodeTTLParsed)
	assert.Equal(t, 2*time.Second, c.Raylet.ReportIntervalParsed)
	assert.Equal(t, 250*time.Millisecond, c.Tasks.DispatchIntervalParsed)
	assert.Equal(t, time.Minute, c.Autoscaler.SyncIntervalParsed)
	assert.Equal(t, 3*time.Second, c.Autoscaler.Kuberay.RequestTimeoutParsed)
}

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	setDefaults(c)

	assert.Equal(t, 8265, c.Main.ListenPort)
	assert.Equal(t, "raygo", c.Main.ClusterName)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "0 * * * *", c.GCS.Snapshot.Cron)
	assert.Equal(t, 7, c.GCS.Snapshot.KeepLast)
	assert.Equal(t, 100, c.Raylet.MaxShapesPerReport)
	assert.Equal(t, 5000, c.Tasks.QueueWarnThreshold)
	assert.Equal(t, "workers", c.Autoscaler.WorkerGroup)
	assert.Equal(t, 8, c.Autoscaler.TasksPerWorker)
	assert.Equal(t, "v1alpha1", c.Autoscaler.Kuberay.CRDVersion)
	assert.Equal(t, 8000, c.Serve.ListenPort)
}

func TestExpandEnvsWithPrefix(t *testing.T) {
	t.Setenv("RAYGO_TEST_TOKEN", "sekret")
	t.Setenv("OTHER_BAZ", "should-not-expand")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "expands prefixed var",
			in:   "auth_token: ${RAYGO_TEST_TOKEN}",
			want: "auth_token: sekret",
		},
		{
			name: "leaves foreign vars alone",
			in:   "path: ${OTHER_BAZ}",
			want: "path: ${OTHER_BAZ}",
		},
		{
			name: "undefined prefixed var becomes empty",
			in:   "value=${RAYGO_NO_SUCH_VAR}",
			want: "value=",
		},
		{
			name: "plain text untouched",
			in:   "listen_port: 8265",
			want: "listen_port: 8265",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvsWithPrefix(tt.in, envPrefix))
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	c := validHeadConfig()
	c.Main.AuthToken = "head-token"
	c.GCS.ConnString = "postgres://raygo:hunter2@db:5432/raygo"
	c.Storage.S3.SecretAccessKey = "s3-secret"
	c.Storage.Encryption.Pass = "enc-pass"

	out := c.String()
	assert.NotContains(t, out, "head-token")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3-secret")
	assert.NotContains(t, out, "enc-pass")
	assert.Contains(t, out, "[REDACTED]")

	// original config must stay intact
	assert.Equal(t, "head-token", c.Main.AuthToken)
}

func TestIsLocalStor(t *testing.T) {
	c := validHeadConfig()
	assert.True(t, c.IsLocalStor())

	c.Storage.Name = "LocalFS"
	assert.True(t, c.IsLocalStor())

	c.Storage.Name = StorageNameS3
	assert.False(t, c.IsLocalStor())
}
