package kuberay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
)

// Labels the KubeRay operator stamps on Ray pods.
const (
	LabelKind         = "ray.io/node-type"
	LabelGroup        = "ray.io/group"
	LabelCluster      = "ray.io/cluster"
	LabelReplicaIndex = "replicaIndex"
)

// Values of the node-type label.
const (
	KindHead   = "head"
	KindWorker = "worker"
)

// Node statuses derived from pod container state.
const (
	StatusPending      = "pending"
	StatusWaiting      = "waiting"
	StatusUpToDate     = "up-to-date"
	StatusUpdateFailed = "update-failed"
)

const ipNotAssigned = "IP not yet assigned"

// NodeData is the provider's view of one Ray pod.
type NodeData struct {
	Kind         string `json:"kind"`
	Group        string `json:"group"`
	ReplicaIndex string `json:"replica_index,omitempty"`
	Status       string `json:"status"`
	IP           string `json:"ip"`
}

// ScaleRequest is the batched goal state for one autoscaler update:
// desired replica counts per worker group plus the exact pods to remove.
type ScaleRequest struct {
	DesiredNumWorkers map[string]int
	WorkersToDelete   []string
}

// APIClient is the slice of the Kubernetes client the provider needs.
// Tests substitute a scripted implementation.
type APIClient interface {
	Get(ctx context.Context, path string) (map[string]any, error)
	Patch(ctx context.Context, path string, payload []PatchOp) error
}

type ProviderOpts struct {
	ClusterName string
}

// Provider reads RayCluster state and converts scale requests into CR
// patches. GetNodeData must run before SafeToScale or SubmitScaleRequest
// in each update cycle; it caches the CR the other calls patch against.
type Provider struct {
	l          *slog.Logger
	api        APIClient
	opts       *ProviderOpts
	raycluster map[string]any
	nodeData   map[string]NodeData
}

func NewProvider(api APIClient, opts *ProviderOpts) *Provider {
	return &Provider{
		l:    slog.With(slog.String("component", "kuberay-provider")),
		api:  api,
		opts: opts,
	}
}

func (p *Provider) log() *slog.Logger {
	if p.l != nil {
		return p.l
	}
	return slog.Default()
}

// GetNodeData fetches the RayCluster CR and its pods, keyed by pod name.
// Pods already marked for deletion are skipped; malformed pods are logged
// and skipped rather than failing the whole update.
func (p *Provider) GetNodeData(ctx context.Context) (map[string]NodeData, error) {
	rc, err := p.api.Get(ctx, "rayclusters/"+p.opts.ClusterName)
	if err != nil {
		return nil, fmt.Errorf("fetch raycluster %s: %w", p.opts.ClusterName, err)
	}
	p.raycluster = rc

	selector := url.QueryEscape(LabelCluster + "=" + p.opts.ClusterName)
	podList, err := p.api.Get(ctx, "pods?labelSelector="+selector)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	nodeData := make(map[string]NodeData)
	for _, item := range getSlice(podList, "items") {
		pod, ok := item.(map[string]any)
		if !ok {
			continue
		}
		// deletionTimestamp appears as soon as deletion is admitted;
		// such pods are already on their way out
		if _, deleting := getMap(pod, "metadata")["deletionTimestamp"]; deleting {
			continue
		}
		name := getString(pod, "metadata", "name")
		if name == "" {
			continue
		}
		data, err := nodeDataFromPod(pod)
		if err != nil {
			p.log().Warn("skipping malformed pod",
				slog.String("pod", name),
				slog.Any("err", err),
			)
			continue
		}
		nodeData[name] = data
	}
	p.nodeData = nodeData
	return nodeData, nil
}

// SafeToScale returns false while any pod named in a workersToDelete list
// is still alive: the operator has pending work and a new update would
// race with it. Once all listed pods are gone, the lists are cleared with
// a patch and scaling may proceed.
func (p *Provider) SafeToScale(ctx context.Context) bool {
	groups := workerGroupSpecs(p.raycluster)

	var staleIndices []int
	for i, g := range groups {
		doomed := workersToDeleteOf(g)
		if len(doomed) > 0 {
			staleIndices = append(staleIndices, i)
		}
		for _, worker := range doomed {
			if _, alive := p.nodeData[worker]; alive {
				p.log().Warn("waiting for operator to remove worker",
					slog.String("worker", worker),
				)
				return false
			}
		}
	}

	if len(staleIndices) > 0 {
		payload := make([]PatchOp, 0, len(staleIndices))
		for _, i := range staleIndices {
			payload = append(payload, WorkerDeletePatch(i, nil))
		}
		p.log().Info("cleaning up processed workersToDelete lists",
			slog.Int("groups", len(staleIndices)),
		)
		if err := p.submitPatch(ctx, payload); err != nil {
			p.log().Error("clear workersToDelete", slog.Any("err", err))
			return false
		}
	}
	return true
}

// SubmitScaleRequest converts the request into a CR patch and applies it.
// A request that matches the current spec produces no patch at all.
func (p *Provider) SubmitScaleRequest(ctx context.Context, req *ScaleRequest) error {
	payload, err := p.scaleRequestToPatchPayload(req)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		p.log().Debug("scale request requires no patch")
		return nil
	}

	p.log().Info("submitting raycluster patch",
		slog.String("cluster", p.opts.ClusterName),
		slog.Int("ops", len(payload)),
	)
	return p.submitPatch(ctx, payload)
}

func (p *Provider) submitPatch(ctx context.Context, payload []PatchOp) error {
	return p.api.Patch(ctx, "rayclusters/"+p.opts.ClusterName, payload)
}

func (p *Provider) scaleRequestToPatchPayload(req *ScaleRequest) ([]PatchOp, error) {
	var payload []PatchOp

	groups := make([]string, 0, len(req.DesiredNumWorkers))
	for g := range req.DesiredNumWorkers {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, group := range groups {
		target := req.DesiredNumWorkers[group]
		idx, err := workerGroupIndex(p.raycluster, group)
		if err != nil {
			return nil, err
		}
		if maxReplicas, ok := workerGroupMaxReplicas(p.raycluster, idx); ok && target > maxReplicas {
			p.log().Warn("requested more pods than maxReplicas allows",
				slog.String("group", group),
				slog.Int("requested", target),
				slog.Int("max-replicas", maxReplicas),
			)
			target = maxReplicas
		}
		if target == workerGroupReplicas(p.raycluster, idx) {
			continue
		}
		payload = append(payload, WorkerReplicaPatch(idx, target))
	}

	deletions := make(map[string][]string)
	for _, worker := range req.WorkersToDelete {
		data, ok := p.nodeData[worker]
		if !ok {
			p.log().Warn("skipping unknown worker in delete request",
				slog.String("worker", worker),
			)
			continue
		}
		deletions[data.Group] = append(deletions[data.Group], worker)
	}

	delGroups := make([]string, 0, len(deletions))
	for g := range deletions {
		delGroups = append(delGroups, g)
	}
	sort.Strings(delGroups)

	for _, group := range delGroups {
		idx, err := workerGroupIndex(p.raycluster, group)
		if err != nil {
			return nil, err
		}
		payload = append(payload, WorkerDeletePatch(idx, deletions[group]))
	}
	return payload, nil
}

func nodeDataFromPod(pod map[string]any) (NodeData, error) {
	labels := getMap(pod, "metadata", "labels")

	kindLabel, ok := labels[LabelKind].(string)
	if !ok {
		return NodeData{}, fmt.Errorf("missing label %s", LabelKind)
	}
	kind := KindWorker
	if kindLabel == KindHead {
		kind = KindHead
	}

	group, ok := labels[LabelGroup].(string)
	if !ok {
		return NodeData{}, fmt.Errorf("missing label %s", LabelGroup)
	}

	status, err := statusTag(pod)
	if err != nil {
		return NodeData{}, err
	}

	ip := getString(pod, "status", "podIP")
	if ip == "" {
		ip = ipNotAssigned
	}

	replicaIndex, _ := labels[LabelReplicaIndex].(string)

	return NodeData{
		Kind:         kind,
		Group:        group,
		ReplicaIndex: replicaIndex,
		Status:       status,
		IP:           ip,
	}, nil
}

// statusTag maps the first container's state to a node status.
func statusTag(pod map[string]any) (string, error) {
	statuses := getSlice(getMap(pod, "status"), "containerStatuses")
	if len(statuses) == 0 {
		return StatusPending, nil
	}
	first, ok := statuses[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("malformed containerStatuses")
	}
	state := getMap(first, "state")
	switch {
	case state["pending"] != nil:
		return StatusPending, nil
	case state["running"] != nil:
		return StatusUpToDate, nil
	case state["waiting"] != nil:
		return StatusWaiting, nil
	case state["terminated"] != nil:
		return StatusUpdateFailed, nil
	}
	return "", fmt.Errorf("unexpected container state")
}

func workerGroupSpecs(rc map[string]any) []map[string]any {
	raw := getSlice(getMap(rc, "spec"), "workerGroupSpecs")
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if g, ok := item.(map[string]any); ok {
			out = append(out, g)
		}
	}
	return out
}

func workerGroupIndex(rc map[string]any, group string) (int, error) {
	for i, g := range workerGroupSpecs(rc) {
		if name, _ := g["groupName"].(string); name == group {
			return i, nil
		}
	}
	return 0, fmt.Errorf("worker group %q not found in raycluster", group)
}

func workerGroupMaxReplicas(rc map[string]any, idx int) (int, bool) {
	groups := workerGroupSpecs(rc)
	if idx >= len(groups) {
		return 0, false
	}
	return getInt(groups[idx], "maxReplicas")
}

// workerGroupReplicas defaults to 1, the KubeRay operator's own default.
func workerGroupReplicas(rc map[string]any, idx int) int {
	groups := workerGroupSpecs(rc)
	if idx >= len(groups) {
		return 1
	}
	if n, ok := getInt(groups[idx], "replicas"); ok {
		return n
	}
	return 1
}

func workersToDeleteOf(group map[string]any) []string {
	raw := getSlice(getMap(group, "scaleStrategy"), "workersToDelete")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// JSON traversal helpers. Decoded JSON numbers arrive as float64.

func getMap(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, key := range keys {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return map[string]any{}
		}
		cur = next
	}
	return cur
}

func getSlice(m map[string]any, key string) []any {
	s, _ := m[key].([]any)
	return s
}

func getString(m map[string]any, keys ...string) string {
	if len(keys) == 0 {
		return ""
	}
	parent := getMap(m, keys[:len(keys)-1]...)
	s, _ := parent[keys[len(keys)-1]].(string)
	return s
}

func getInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
