package mirror_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/generic"
	"github.com/warp/claims-billing/store/memory"
	"github.com/warp/claims-billing/store/mirror"
)

func snapshotWithFirm(name string) billing.Snapshot {
	return billing.Snapshot{
		FirmConfigs: []generic.Entry[billing.FirmConfig]{{Key: name, Value: billing.FirmConfig{Name: name}}},
		LastSaved:   time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestMirror_SavesLocallyAndRemotely(t *testing.T) {
	logger, _ := test.NewNullLogger()
	local, remote := memory.New(), memory.New()
	store := mirror.New(local, remote, logger, time.Second)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, snapshotWithFirm("A")))
	require.NoError(t, store.Save(ctx, snapshotWithFirm("B")))
	require.NoError(t, store.Close())

	assert.Equal(t, 2, local.Saves())
	assert.GreaterOrEqual(t, remote.Saves(), 1)

	snap, err := remote.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "B", snap.FirmConfigs[0].Key, "remote ends with the newest snapshot")
}

func TestMirror_RemoteFailureDoesNotFailSave(t *testing.T) {
	logger, hook := test.NewNullLogger()
	local, remote := memory.New(), memory.New()
	remote.FailSaves(errors.New("bucket unreachable"))
	store := mirror.New(local, remote, logger, time.Second)

	err := store.Save(context.Background(), snapshotWithFirm("A"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Equal(t, 1, local.Saves())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "remote sync failed", hook.LastEntry().Message)
}

func TestMirror_LoadSeedsEmptyLocalFromRemote(t *testing.T) {
	logger, _ := test.NewNullLogger()
	local, remote := memory.New(), memory.New()
	ctx := context.Background()
	require.NoError(t, remote.Save(ctx, snapshotWithFirm("Seed")))

	store := mirror.New(local, remote, logger, time.Second)
	defer store.Close()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "Seed", snap.FirmConfigs[0].Key)
	assert.Equal(t, 1, local.Saves())
}

func TestMirror_LocalFailureIsReturned(t *testing.T) {
	logger, _ := test.NewNullLogger()
	local, remote := memory.New(), memory.New()
	local.FailSaves(errors.New("disk full"))
	store := mirror.New(local, remote, logger, time.Second)

	err := store.Save(context.Background(), snapshotWithFirm("A"))
	assert.Error(t, err)
	require.NoError(t, store.Close())
	assert.Equal(t, 0, remote.Saves())
}
