package gcs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/generic"
)

func TestSnapshotDocument_UsesPersistedKeys(t *testing.T) {
	snap := billing.Snapshot{
		FirmConfigs: []generic.Entry[billing.FirmConfig]{{Key: "Acme", Value: billing.FirmConfig{Name: "Acme"}}},
		LastSaved:   time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	}

	body, err := encode(snap)
	require.NoError(t, err)

	for _, key := range []string{`"firmConfigs"`, `"jobs"`, `"dailyTallies"`, `"firmBillingPeriods"`, `"lastSaved"`} {
		assert.Contains(t, string(body), key)
	}

	back, err := decode(body)
	require.NoError(t, err)
	assert.Equal(t, "Acme", back.FirmConfigs[0].Value.Name)
	assert.True(t, back.LastSaved.Equal(snap.LastSaved))
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := decode([]byte("not json"))
	assert.Error(t, err)
}

func TestNewWithClient_DefaultObject(t *testing.T) {
	s := NewWithClient(nil, "bucket", "")
	assert.Equal(t, DefaultObject, s.object)
}
