package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/hashmap-kz/raygo/config"
)

// This test binary does not link the serve runtime, so the doctor report
// must show every cataloged feature as missing and pass the minimal check.
func TestRunDoctorMinimalBinary(t *testing.T) {
	var out strings.Builder
	err := RunDoctor(&out, &DoctorOpts{ExpectMinimal: true})
	require.NoError(t, err)

	report := out.String()
	assert.Contains(t, report, "serve")
	assert.Contains(t, report, "not installed")
	assert.Contains(t, report, "minimal installation")
}

func TestConfigTemplateParses(t *testing.T) {
	var c config.Config
	require.NoError(t, yaml.Unmarshal([]byte(GetConfigTemplate()), &c))

	assert.Equal(t, 8265, c.Main.ListenPort)
	assert.Equal(t, "raygo", c.Main.ClusterName)
	assert.True(t, c.GCS.Snapshot.Enable)
	assert.Equal(t, "workers", c.Autoscaler.WorkerGroup)
	assert.False(t, c.Serve.Enable)
}
