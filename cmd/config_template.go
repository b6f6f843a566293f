package cmd

import "strings"

var confTempl = `
{
  "main": {
    "listen_port": 8265,
    "cluster_name": "raygo",
    "auth_token": "${RAYGO_AUTH_TOKEN}"
  },
  "log": {
    "level": "info",
    "format": "text",
    "add_source": true
  },
  "metrics": {
    "enable": true
  },
  "gcs": {
    "conn_string": "${RAYGO_GCS_CONN_STRING}",
    "dead_node_ttl": "5m",
    "snapshot": {
      "enable": true,
      "cron": "0 * * * *",
      "keep_last": 7
    }
  },
  "storage": {
    "name": "s3",
    "compression": {
      "algo": "gzip"
    },
    "encryption": {
      "algo": "aes-256-gcm",
      "pass": "${RAYGO_ENCRYPT_PASS}"
    },
    "sftp": {
      "host": "sftp.example.com",
      "port": 22,
      "user": "${RAYGO_VM_USER}",
      "pass": "${RAYGO_VM_PASS}",
      "pkey_path": "/home/user/.ssh/id_rsa",
      "pkey_pass": "${RAYGO_SSH_PKEY_PASSPHRASE}"
    },
    "s3": {
      "url": "https://s3.example.com",
      "access_key_id": "AKIAEXAMPLE",
      "secret_access_key": "${RAYGO_SECRET_ACCESS_KEY}",
      "bucket": "raygo-snapshots",
      "region": "us-east-1",
      "use_path_style": true,
      "disable_ssl": false
    }
  },
  "raylet": {
    "report_interval": "10s",
    "max_shapes_per_report": 100
  },
  "tasks": {
    "out_of_order": false,
    "queue_warn_threshold": 5000,
    "dispatch_interval": "1s"
  },
  "autoscaler": {
    "enable": true,
    "sync_interval": "15s",
    "worker_group": "workers",
    "tasks_per_worker": 8,
    "min_workers": 0,
    "max_workers": 10,
    "kuberay": {
      "namespace": "ray-system",
      "cluster_name": "raygo",
      "crd_version": "v1alpha1"
    }
  },
  "serve": {
    "enable": false,
    "listen_port": 8000
  }
}
`

func GetConfigTemplate() string {
	return strings.TrimSpace(confTempl)
}
