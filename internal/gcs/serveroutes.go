package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashmap-kz/raygo/pkg/serve"
)

// ServeRoutes persists the serve route table through the control store so
// deployments survive head restarts.
type ServeRoutes struct {
	store Store
}

func NewServeRoutes(store Store) *ServeRoutes {
	return &ServeRoutes{store: store}
}

func (s *ServeRoutes) Save(ctx context.Context, d serve.Deployment) error {
	if d.Name == "" {
		return fmt.Errorf("deployment has no name")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode deployment %s: %w", d.Name, err)
	}
	return s.store.Put(ctx, NsServe, d.Name, data)
}

func (s *ServeRoutes) Remove(ctx context.Context, name string) error {
	return s.store.Delete(ctx, NsServe, name)
}

// List returns the persisted deployments sorted by name.
func (s *ServeRoutes) List(ctx context.Context) ([]serve.Deployment, error) {
	rows, err := s.store.All(ctx, NsServe)
	if err != nil {
		return nil, err
	}

	out := make([]serve.Deployment, 0, len(rows))
	for name, data := range rows {
		var d serve.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode deployment %s: %w", name, err)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
