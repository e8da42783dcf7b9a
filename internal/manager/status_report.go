package manager

import (
	"sort"
	"time"

	"inferd/internal/queue"
	"inferd/pkg/types"
)

// QueueStatus reports the admission queue of a configured model. Models that
// never received a request report an empty queue.
func (m *Manager) QueueStatus(model string) (types.QueueStatus, error) {
	mc, ok := m.models[model]
	if !ok {
		return types.QueueStatus{}, ErrModelNotFound(model)
	}
	q, ok := m.queues.Get(model)
	if !ok {
		return types.QueueStatus{Model: model, MaxConcurrent: max(1, mc.MaxSimulUsers)}, nil
	}
	return queueStatus(q), nil
}

func queueStatus(q *queue.Queue) types.QueueStatus {
	s := q.Stats()
	return types.QueueStatus{
		Model:           q.Name(),
		UsersWaiting:    s.Waiting,
		UsersProcessing: s.Processing,
		MaxConcurrent:   s.MaxConcurrent,
		TokensPerSecond: s.TokensPerSecond,
		FirstTokenSec:   s.FirstTokenSeconds,
	}
}

// ModelInfo returns the public configuration of a model, without any key
// starting with "_".
func (m *Manager) ModelInfo(model string) (map[string]any, error) {
	mc, ok := m.models[model]
	if !ok {
		return nil, ErrModelNotFound(model)
	}
	return mc.Public()
}

// ListModels returns the loaded models with their service, sorted by name.
func (m *Manager) ListModels() []types.ModelSummary {
	names := m.loadedNames()
	out := make([]types.ModelSummary, 0, len(names))
	for _, n := range names {
		out = append(out, types.ModelSummary{Name: n, Service: m.models[n].Service})
	}
	return out
}

// Status builds the manager part of the /status response. Connection counts
// and the server version are filled in by the transport layer.
func (m *Manager) Status() types.StatusResponse {
	queues := m.queues.All()
	resp := types.StatusResponse{
		Queues:         make([]types.QueueStatus, 0, len(queues)),
		Models:         m.ListModels(),
		Services:       m.backends.Names(),
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, q := range queues {
		resp.Queues = append(resp.Queues, queueStatus(q))
	}
	sort.Slice(resp.Queues, func(i, j int) bool { return resp.Queues[i].Model < resp.Queues[j].Model })
	return resp
}
