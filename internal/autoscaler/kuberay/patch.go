package kuberay

import "fmt"

// PatchOp is one JSON patch operation (application/json-patch+json).
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type scaleStrategy struct {
	WorkersToDelete []string `json:"workersToDelete"`
}

func replacePatch(path string, value any) PatchOp {
	return PatchOp{Op: "replace", Path: path, Value: value}
}

// WorkerReplicaPatch sets the replica count of one worker group.
func WorkerReplicaPatch(groupIndex, targetReplicas int) PatchOp {
	return replacePatch(
		fmt.Sprintf("/spec/workerGroupSpecs/%d/replicas", groupIndex),
		targetReplicas,
	)
}

// WorkerDeletePatch sets the exact pods the operator should remove from
// one worker group. An empty list clears a previously submitted one.
func WorkerDeletePatch(groupIndex int, workersToDelete []string) PatchOp {
	if workersToDelete == nil {
		workersToDelete = []string{}
	}
	return replacePatch(
		fmt.Sprintf("/spec/workerGroupSpecs/%d/scaleStrategy", groupIndex),
		scaleStrategy{WorkersToDelete: workersToDelete},
	)
}
