package runtime_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmap-kz/raygo/pkg/extras"
	"github.com/hashmap-kz/raygo/pkg/serve"
	"github.com/hashmap-kz/raygo/pkg/serve/runtime"
)

// Importing the runtime package is what installs the feature: this test
// binary is the "full" build, unlike the facade's own tests.
func TestLinkedRuntimeInstallsServeExtra(t *testing.T) {
	assert.True(t, extras.Installed(serve.Feature))
	assert.Equal(t, []string{serve.Feature}, extras.Names())

	err := extras.VerifyMinimal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve")

	for _, st := range extras.Status() {
		if st.Name == serve.Feature {
			assert.True(t, st.Installed)
			return
		}
	}
	t.Fatalf("serve extra missing from status")
}

func TestFacadeDrivesLinkedRuntime(t *testing.T) {
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello from echo"))
	}))
	defer upstream.Close()

	require.NoError(t, serve.Deploy(ctx, serve.Deployment{
		Name:        "echo",
		RoutePrefix: "/echo",
		Upstreams:   []string{upstream.Listener.Addr().String()},
	}))
	defer func() { _ = serve.Delete(ctx, "echo") }()

	require.NoError(t, serve.Start(ctx,
		serve.WithListenAddr("127.0.0.1:0"),
		serve.WithShutdownTimeout(2*time.Second),
	))
	defer func() { _ = serve.Shutdown(ctx) }()

	status, err := serve.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	require.NotEmpty(t, status.ListenAddr)
	require.Len(t, status.Deployments, 1)

	// starting twice without a shutdown is rejected
	err = serve.Start(ctx, serve.WithListenAddr("127.0.0.1:0"))
	require.ErrorIs(t, err, runtime.ErrAlreadyRunning)

	resp, err := http.Get(fmt.Sprintf("http://%s/-/healthz", status.ListenAddr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://%s/echo/predict", status.ListenAddr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from echo", string(body))

	require.NoError(t, serve.Shutdown(ctx))
	// shutting down an already stopped runtime is a no-op
	require.NoError(t, serve.Shutdown(ctx))

	status, err = serve.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Empty(t, status.ListenAddr)
}
