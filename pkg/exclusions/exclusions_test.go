package exclusions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/types"
)

type fakeAPI struct {
	votingAdded   [][]string
	votingCleared int
	allocSet      []string
	allocCleared  int
	failVoting    error
	failAlloc     error
}

func (f *fakeAPI) AddVotingExclusions(_ context.Context, names []string, _ []string) error {
	if f.failVoting != nil {
		return f.failVoting
	}
	f.votingAdded = append(f.votingAdded, names)
	return nil
}

func (f *fakeAPI) ClearVotingExclusions(context.Context, []string) error {
	if f.failVoting != nil {
		return f.failVoting
	}
	f.votingCleared++
	return nil
}

func (f *fakeAPI) SetAllocationExclusion(_ context.Context, name string, _ []string) error {
	if f.failAlloc != nil {
		return f.failAlloc
	}
	f.allocSet = append(f.allocSet, name)
	return nil
}

func (f *fakeAPI) ClearAllocationExclusions(context.Context, []string) error {
	if f.failAlloc != nil {
		return f.failAlloc
	}
	f.allocCleared++
	return nil
}

type fakeBoard struct {
	markers map[string]string
	self    string
}

func newFakeBoard(self string) *fakeBoard {
	return &fakeBoard{markers: map[string]string{}, self: self}
}

func (f *fakeBoard) MarkPending(_ context.Context, kind string) error {
	f.markers[f.self] = kind
	return nil
}

func (f *fakeBoard) Pending() (map[string]string, error) {
	out := map[string]string{}
	for k, v := range f.markers {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBoard) ClearPending(node string) error {
	delete(f.markers, node)
	return nil
}

func cmNode(name string) types.Node {
	return types.Node{Name: name, Roles: types.NewRoleSet(types.RoleClusterManager, types.RoleData)}
}

func dataNode(name string) types.Node {
	return types.Node{Name: name, Roles: types.NewRoleSet(types.RoleData)}
}

func TestAddCurrentClusterManager(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, newFakeBoard("shoal-0"))

	require.NoError(t, m.AddCurrent(context.Background(), cmNode("shoal-0"), nil))
	// CM+data nodes need both kinds of exclusion.
	require.Len(t, api.votingAdded, 1)
	assert.Equal(t, []string{"shoal-0"}, api.votingAdded[0])
	assert.Equal(t, []string{"shoal-0"}, api.allocSet)
}

func TestAddCurrentDataOnly(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, newFakeBoard("shoal-2"))

	require.NoError(t, m.AddCurrent(context.Background(), dataNode("shoal-2"), nil))
	assert.Empty(t, api.votingAdded)
	assert.Equal(t, []string{"shoal-2"}, api.allocSet)
}

func TestAddCurrentVotingOnly(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, newFakeBoard("shoal-1"))
	node := types.Node{Name: "shoal-1", Roles: types.NewRoleSet(types.RoleVotingOnly, types.RoleData)}

	require.NoError(t, m.AddCurrent(context.Background(), node, nil))
	require.Len(t, api.votingAdded, 1)
	assert.Equal(t, []string{"shoal-1"}, api.allocSet)
}

func TestAddCurrentFailureAbortsStop(t *testing.T) {
	api := &fakeAPI{failVoting: types.NewTransientError("add", types.ErrEngineUnreachable)}
	m := NewManager(api, newFakeBoard("shoal-0"))

	err := m.AddCurrent(context.Background(), cmNode("shoal-0"), nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestDeleteCurrentSuccessLeavesNoMarker(t *testing.T) {
	api := &fakeAPI{}
	board := newFakeBoard("shoal-0")
	m := NewManager(api, board)

	require.NoError(t, m.DeleteCurrent(context.Background(), cmNode("shoal-0"), nil))
	assert.Equal(t, 1, api.votingCleared)
	assert.Equal(t, 1, api.allocCleared)
	assert.Empty(t, board.markers)
}

func TestDeleteCurrentFailureRecordsMarker(t *testing.T) {
	api := &fakeAPI{failVoting: errors.New("engine down")}
	board := newFakeBoard("shoal-0")
	m := NewManager(api, board)

	// The start must not fail because cleanup could not run.
	require.NoError(t, m.DeleteCurrent(context.Background(), cmNode("shoal-0"), nil))
	assert.Equal(t, KindBoth, board.markers["shoal-0"])
}

func TestCleanupRetiresMarkers(t *testing.T) {
	api := &fakeAPI{}
	board := newFakeBoard("shoal-0")
	board.markers["shoal-1"] = KindVoting
	board.markers["shoal-2"] = KindAllocation
	m := NewManager(api, board)

	require.NoError(t, m.Cleanup(context.Background(), nil))
	assert.Equal(t, 1, api.votingCleared)
	assert.Equal(t, 1, api.allocCleared)
	assert.Empty(t, board.markers)
}

func TestCleanupNothingPending(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, newFakeBoard("shoal-0"))

	require.NoError(t, m.Cleanup(context.Background(), nil))
	assert.Zero(t, api.votingCleared)
	assert.Zero(t, api.allocCleared)
}

func TestCleanupKeepsMarkersOnFailure(t *testing.T) {
	api := &fakeAPI{failVoting: errors.New("engine down")}
	board := newFakeBoard("shoal-0")
	board.markers["shoal-1"] = KindVoting
	m := NewManager(api, board)

	require.Error(t, m.Cleanup(context.Background(), nil))
	assert.Equal(t, KindVoting, board.markers["shoal-1"])
}
