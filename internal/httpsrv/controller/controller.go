package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/hashmap-kz/raygo/internal/gcs"
	"github.com/hashmap-kz/raygo/internal/httpsrv/httputils"
	"github.com/hashmap-kz/raygo/internal/httpsrv/model"
	"github.com/hashmap-kz/raygo/internal/httpsrv/service"
	"github.com/hashmap-kz/raygo/internal/jobq"
	"github.com/hashmap-kz/raygo/pkg/extras"
	"github.com/hashmap-kz/raygo/pkg/serve"
)

type ControlController struct {
	Service service.ControlService
}

func NewController(s service.ControlService) *ControlController {
	return &ControlController{
		Service: s,
	}
}

func (c *ControlController) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := c.Service.Status(r.Context())
	httputils.WriteJSON(w, http.StatusOK, status)
}

func (c *ControlController) NodesHandler(w http.ResponseWriter, r *http.Request) {
	nodes, err := c.Service.ListNodes(r.Context())
	if err != nil {
		httputils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, nodes)
}

func (c *ControlController) RegisterNodeHandler(w http.ResponseWriter, r *http.Request) {
	var info gcs.NodeInfo
	if err := httputils.ReadJSON(r, &info); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	id, err := c.Service.RegisterNode(r.Context(), &info)
	if err != nil {
		httputils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, &model.RegisterNodeResponse{ID: id})
}

func (c *ControlController) NodeHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id, err := httputils.PathValueString(r, "id")
	if err != nil {
		http.Error(w, "expect id path-param", http.StatusBadRequest)
		return
	}

	if err := c.Service.HeartbeatNode(r.Context(), id); err != nil {
		if errors.Is(err, gcs.ErrNotFound) {
			httputils.WriteError(w, http.StatusNotFound, err)
			return
		}
		httputils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *ControlController) SubmitTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitTaskRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := c.Service.SubmitTask(r.Context(), &req)
	if err != nil {
		httputils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputils.WriteJSON(w, http.StatusAccepted, resp)
}

func (c *ControlController) BacklogReportHandler(w http.ResponseWriter, r *http.Request) {
	var req model.BacklogReport
	if err := httputils.ReadJSON(r, &req); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := c.Service.ReportBacklog(&req); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *ControlController) ActorsHandler(w http.ResponseWriter, _ *http.Request) {
	httputils.WriteJSON(w, http.StatusOK, c.Service.ListActors())
}

func (c *ControlController) ConnectActorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := httputils.PathValueString(r, "id")
	if err != nil {
		http.Error(w, "expect id path-param", http.StatusBadRequest)
		return
	}

	var req model.ConnectActorRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := c.Service.ConnectActor(id, req.Addr); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (c *ControlController) KillActorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := httputils.PathValueString(r, "id")
	if err != nil {
		http.Error(w, "expect id path-param", http.StatusBadRequest)
		return
	}

	// The reason body is optional.
	var req model.KillActorRequest
	if err := httputils.ReadJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := c.Service.KillActor(r.Context(), id, req.Reason); err != nil {
		httputils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (c *ControlController) SnapshotHandler(w http.ResponseWriter, _ *http.Request) {
	if err := c.Service.TriggerSnapshot(); err != nil {
		if errors.Is(err, jobq.ErrJobQueueFull) {
			httputils.WriteError(w, http.StatusTooManyRequests, err)
			return
		}
		// Snapshots are disabled, or another snapshot holds the lock.
		httputils.WriteError(w, http.StatusConflict, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (c *ControlController) AutoscalerPauseHandler(w http.ResponseWriter, _ *http.Request) {
	if err := c.Service.PauseAutoscaler(); err != nil {
		httputils.WriteError(w, http.StatusConflict, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (c *ControlController) AutoscalerResumeHandler(w http.ResponseWriter, _ *http.Request) {
	if err := c.Service.ResumeAutoscaler(); err != nil {
		httputils.WriteError(w, http.StatusConflict, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (c *ControlController) ServeStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := c.Service.ServeStatus(r.Context())
	if err != nil {
		writeServeError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, st)
}

func (c *ControlController) ServeDeployHandler(w http.ResponseWriter, r *http.Request) {
	var d serve.Deployment
	if err := httputils.ReadJSON(r, &d); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := c.Service.ServeDeploy(r.Context(), d); err != nil {
		writeServeError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "deployed"})
}

func (c *ControlController) ServeDeleteHandler(w http.ResponseWriter, r *http.Request) {
	name, err := httputils.PathValueString(r, "name")
	if err != nil {
		http.Error(w, "expect name path-param", http.StatusBadRequest)
		return
	}

	if err := c.Service.ServeDelete(r.Context(), name); err != nil {
		writeServeError(w, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeServeError carries the facade's install hint to the caller when
// the binary was built without the serve runtime.
func writeServeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extras.ErrNotInstalled):
		httputils.WriteError(w, http.StatusNotImplemented, err)
	case errors.Is(err, serve.ErrNoSuchDeployment):
		httputils.WriteError(w, http.StatusNotFound, err)
	default:
		httputils.WriteError(w, http.StatusBadRequest, err)
	}
}
