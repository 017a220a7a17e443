package service

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// gathered returns the value of the sample of family name carrying labels.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	next:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

type memoryRegistry struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	listErr error
}

func newMemoryRegistry(ids ...string) *memoryRegistry {
	r := &memoryRegistry{ids: make(map[string]struct{})}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r *memoryRegistry) Register(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
	return nil
}

func (r *memoryRegistry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, id)
	return nil
}

func (r *memoryRegistry) ListAll(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type sentMessage struct {
	id      string
	payload string
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	fail func(id string) error
}

func (tr *recordingTransport) Send(ctx context.Context, id string, payload []byte) error {
	if tr.fail != nil {
		if err := tr.fail(id); err != nil {
			return err
		}
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, sentMessage{id: id, payload: string(payload)})
	return nil
}

func (tr *recordingTransport) messages() []sentMessage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]sentMessage(nil), tr.sent...)
}
