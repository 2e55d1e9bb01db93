package storage

import (
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	cfg := config.DefaultStorageConfig()
	cfg.DataRoot = t.TempDir()
	cfg.IPFSAPIURL = "localhost:5001"
	f := NewFactory(cfg, testLogger())

	primary, err := f.Primary()
	require.NoError(t, err)
	assert.IsType(t, &FileDriver{}, primary)

	again, err := f.Driver(config.BackendFS)
	require.NoError(t, err)
	assert.Same(t, primary, again)

	_, err = f.Driver(config.BackendS3)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	_, err = f.Driver("tape")
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	multi, err := f.LocationBackends(time.Second)
	require.NoError(t, err)
	assert.True(t, multi.Supports(primary.Location(interfaces.TierHot)))
	assert.True(t, multi.Supports(interfaces.StorageLocation{Type: interfaces.LocationIPFS}))
	assert.False(t, multi.Supports(interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: "https://cdn"}))
	assert.False(t, multi.Supports(interfaces.StorageLocation{Type: interfaces.LocationS3}))
}
