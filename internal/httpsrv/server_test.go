package httpsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashmap-kz/raygo/config"
	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/httpsrv/model"
	"github.com/hashmap-kz/raygo/internal/raylet"
	"github.com/hashmap-kz/raygo/internal/transport"
	"github.com/hashmap-kz/raygo/internal/wrk"
	"github.com/hashmap-kz/raygo/pkg/serve"

	controlSvc "github.com/hashmap-kz/raygo/internal/httpsrv/service"
)

type nullPushClient struct{}

func (nullPushClient) Push(context.Context, *raylet.Task) error { return nil }

type muxFixture struct {
	handler http.Handler
	store   *gcs.MemStore
	nodes   *gcs.NodeTable
	queues  *raylet.TaskQueues
}

func newMuxFixture(t *testing.T, authToken string, mutate func(o *controlSvc.ControlServiceOpts)) *muxFixture {
	t.Helper()
	config.MustEnvconfig(config.ModeHead)

	store := gcs.NewMemStore()
	nodes := gcs.NewNodeTable(store)
	queues := raylet.NewTaskQueues()
	pool := transport.NewClientPool(func(string) transport.PushClient { return nullPushClient{} })
	finisher := transport.NewStoreFinisher(store)
	submitter := transport.NewActorTaskSubmitter(context.Background(), pool, finisher, nil)

	opts := &controlSvc.ControlServiceOpts{
		NodeID:      "head-1",
		RunningMode: "head",
		Nodes:       nodes,
		Queues:      queues,
		Submitter:   submitter,
		Recorder:    finisher,
	}
	if mutate != nil {
		mutate(opts)
	}

	handler := InitHTTPHandlers(&HTTPHandlersOpts{
		Service:   controlSvc.NewControlService(opts),
		AuthToken: authToken,
	})
	return &muxFixture{handler: handler, store: store, nodes: nodes, queues: queues}
}

func (f *muxFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newMuxFixture(t, "", nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st model.HeadStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "head-1", st.NodeID)
	assert.Equal(t, "head", st.RunningMode)
	require.NotNil(t, st.Queues)
}

func TestAuthTokenGuardsOperatorRoutes(t *testing.T) {
	f := newMuxFixture(t, "secret", nil)

	rec := f.do(t, http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/status", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/status", "secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Worker routes stay token-free.
	rec = f.do(t, http.MethodPost, "/api/v1/nodes/register", "", &gcs.NodeInfo{
		ID:   "w1",
		Kind: gcs.NodeKindWorker,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTaskFlow(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", "", &model.SubmitTaskRequest{
		Resources: map[string]float64{"CPU": 1},
		Payload:   []byte(`{"fn":"train"}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp model.SubmitTaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, "CPU:1", resp.Class)

	toSchedule, _, _ := f.queues.Depths()
	assert.Equal(t, 1, toSchedule)

	data, err := f.store.Get(context.Background(), gcs.NsTasks, resp.ID)
	require.NoError(t, err)
	rec2, err := transport.DecodeTaskRecord(data)
	require.NoError(t, err)
	assert.Equal(t, transport.TaskStateQueued, rec2.State)
}

func TestSubmitTaskRejectsBadJSON(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeRegisterHeartbeatList(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/nodes/register", "", &gcs.NodeInfo{
		ID:   "w1",
		Kind: gcs.NodeKindWorker,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var reg model.RegisterNodeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))
	assert.Equal(t, "w1", reg.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/w1/heartbeat", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/ghost/heartbeat", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []*gcs.NodeInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "w1", nodes[0].ID)
}

func TestBacklogEndpoint(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/backlog", "", &model.BacklogReport{
		WorkerID:    "w1",
		Class:       "CPU:1",
		BacklogSize: 5,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/backlog", "", &model.BacklogReport{
		Class: "CPU:1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	load := f.queues.Load()
	assert.EqualValues(t, 5, load["CPU:1"].BacklogSize)
}

func TestActorEndpoints(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/actors/actor-a/connect", "", &model.ConnectActorRequest{
		Addr: "10.0.0.5:9000",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/actors", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actors []model.ActorStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&actors))
	require.Len(t, actors, 1)
	assert.Equal(t, "connected", actors[0].State)

	rec = f.do(t, http.MethodPost, "/api/v1/actors/actor-a/kill", "", &model.KillActorRequest{
		Reason: "test teardown",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/actors", "", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&actors))
	require.Len(t, actors, 1)
	assert.Equal(t, "dead", actors[0].State)
}

func TestSnapshotEndpointWithoutSnapshotter(t *testing.T) {
	f := newMuxFixture(t, "", nil)
	rec := f.do(t, http.MethodPost, "/api/v1/gcs/snapshot", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAutoscalerEndpoints(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newMuxFixture(t, "", nil)
		rec := f.do(t, http.MethodPost, "/api/v1/autoscaler/pause", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("pause and resume", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ctr := wrk.NewWorkerController(ctx, "autoscaler", func(c context.Context) error {
			<-c.Done()
			return c.Err()
		})
		f := newMuxFixture(t, "", func(o *controlSvc.ControlServiceOpts) { o.Autoscaler = ctr })

		rec := f.do(t, http.MethodPost, "/api/v1/autoscaler/resume", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, ctr.IsRunning())

		rec = f.do(t, http.MethodPost, "/api/v1/autoscaler/pause", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		ctr.Wait()
		assert.False(t, ctr.IsRunning())
	})
}

// The httpsrv test binary does not link pkg/serve/runtime, so the serve
// routes must answer 501 and carry the install hint in the error body.
func TestServeEndpointsWithoutRuntime(t *testing.T) {
	f := newMuxFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/v1/serve", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/serve/deployments", "", &serve.Deployment{
		Name:        "echo",
		RoutePrefix: "/",
		Upstreams:   []string{"127.0.0.1:9999"},
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), `install \"ray[serve]\"`)

	rec = f.do(t, http.MethodDelete, "/api/v1/serve/deployments/echo", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMetricsEndpointGated(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		f := newMuxFixture(t, "", nil)
		rec := f.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("enabled via config", func(t *testing.T) {
		t.Setenv("RAYGO_METRICS_ENABLE", "true")
		f := newMuxFixture(t, "", nil)
		rec := f.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
