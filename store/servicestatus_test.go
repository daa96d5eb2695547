package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/internal/types"
)

func TestUpsertServiceStatusOverwritesSameKey(t *testing.T) {
	st := openTestStore(t)
	status := types.ServiceStatus{ServiceName: "dispatchd", MachineName: "host-1", Status: types.HealthHealthy, QueueDepth: 5}
	require.NoError(t, st.UpsertServiceStatus(status))

	status.QueueDepth = 42
	status.Status = types.HealthWarning
	require.NoError(t, st.UpsertServiceStatus(status))

	stored, err := st.GetServiceStatus("dispatchd", "host-1")
	require.NoError(t, err)
	assert.Equal(t, 42, stored.QueueDepth)
	assert.Equal(t, types.HealthWarning, stored.Status)
}

func TestGetServiceStatusNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetServiceStatus("missing", "host")
	assert.Error(t, err)
}

func TestListServiceStatusesReturnsAllMachines(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.UpsertServiceStatus(types.ServiceStatus{ServiceName: "dispatchd", MachineName: "host-1"}))
	require.NoError(t, st.UpsertServiceStatus(types.ServiceStatus{ServiceName: "dispatchd", MachineName: "host-2"}))

	out, err := st.ListServiceStatuses()
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
