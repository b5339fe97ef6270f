package exclusions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/coordination"
)

type fakePlane struct {
	self   string
	values map[string]map[string]string // node -> key -> value
}

func newFakePlane(self string) *fakePlane {
	return &fakePlane{self: self, values: map[string]map[string]string{}}
}

func (f *fakePlane) SetNodeValue(_ context.Context, key, value string) error {
	if f.values[f.self] == nil {
		f.values[f.self] = map[string]string{}
	}
	f.values[f.self][key] = value
	return nil
}

func (f *fakePlane) ListNodeValues(key string) (map[string]string, error) {
	out := map[string]string{}
	for node, kv := range f.values {
		if v, ok := kv[key]; ok {
			out[node] = v
		}
	}
	return out, nil
}

func (f *fakePlane) ClearNodeValue(node, key string) error {
	delete(f.values[node], key)
	return nil
}

func TestStoreBoardRoundTrip(t *testing.T) {
	plane := newFakePlane("shoal-1")
	board := NewStoreBoard(plane)

	require.NoError(t, board.MarkPending(context.Background(), KindVoting))
	assert.Equal(t, KindVoting, plane.values["shoal-1"][coordination.KeyExclusionsCleanup])

	pending, err := board.Pending()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"shoal-1": KindVoting}, pending)

	require.NoError(t, board.ClearPending("shoal-1"))
	pending, err = board.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStoreBoardSeesOtherMembers(t *testing.T) {
	plane := newFakePlane("shoal-0")
	plane.values["shoal-2"] = map[string]string{coordination.KeyExclusionsCleanup: KindBoth}
	board := NewStoreBoard(plane)

	pending, err := board.Pending()
	require.NoError(t, err)
	assert.Equal(t, KindBoth, pending["shoal-2"])
}
