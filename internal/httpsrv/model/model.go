package model

import "encoding/json"

// QueueStats summarizes the raylet scheduling queues on the head.
type QueueStats struct {
	ToSchedule   int   `json:"to_schedule"`
	ToDispatch   int   `json:"to_dispatch"`
	Infeasible   int   `json:"infeasible"`
	PendingTotal int64 `json:"pending_total"`
}

type NodeCounts struct {
	Alive int `json:"alive"`
	Dead  int `json:"dead"`
}

type ActorStatus struct {
	ActorID    string `json:"actor_id"`
	Addr       string `json:"addr,omitempty"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
}

type AutoscalerStatus struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state,omitempty"`
	Runs    int    `json:"runs,omitempty"`
}

type ServeStatus struct {
	Enabled   bool `json:"enabled"`
	Installed bool `json:"installed"`
}

type HeadStatus struct {
	NodeID      string            `json:"node_id"`
	RunningMode string            `json:"running_mode"`
	Version     string            `json:"version,omitempty"`
	Uptime      string            `json:"uptime,omitempty"`
	Nodes       *NodeCounts       `json:"nodes,omitempty"`
	Queues      *QueueStats       `json:"queues,omitempty"`
	Actors      []ActorStatus     `json:"actors,omitempty"`
	Autoscaler  *AutoscalerStatus `json:"autoscaler,omitempty"`
	Serve       *ServeStatus      `json:"serve,omitempty"`
}

type SubmitTaskRequest struct {
	ActorID   string             `json:"actor_id,omitempty"`
	Resources map[string]float64 `json:"resources,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
}

type SubmitTaskResponse struct {
	ID         string `json:"id"`
	Class      string `json:"class"`
	SequenceNo uint64 `json:"sequence_no,omitempty"`
}

// BacklogReport is sent by workers that hold more queued work of a given
// scheduling class than they have dispatch slots for.
type BacklogReport struct {
	WorkerID    string `json:"worker_id"`
	Class       string `json:"class"`
	BacklogSize int64  `json:"backlog_size"`
}

type ConnectActorRequest struct {
	Addr string `json:"addr"`
}

type KillActorRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RegisterNodeResponse struct {
	ID string `json:"id"`
}
