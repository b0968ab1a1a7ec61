package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/stretchr/testify/require"
)

func TestSaveCustodyView_NewestEvidenceWins(t *testing.T) {
	ctx := context.Background()
	st := New()
	t0 := time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)

	scanned := &models.CustodyView{
		ShipmentID:      7,
		LastKnownBranch: 2,
		LastScan:        &models.ScanRef{ID: 1, Type: models.ScanHubIn, OccurredAt: t0.Add(5 * time.Hour)},
		EvidenceAt:      t0.Add(5 * time.Hour),
	}
	applied, err := st.SaveCustodyView(ctx, scanned)
	require.NoError(t, err)
	require.True(t, applied)

	leg := uint64(3)
	lateLeg := &models.CustodyView{
		ShipmentID:      7,
		LastKnownBranch: 2,
		LastScan:        scanned.LastScan,
		ActiveLegID:     &leg,
		EvidenceAt:      t0.Add(2 * time.Hour),
	}
	applied, err = st.SaveCustodyView(ctx, lateLeg)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := st.GetCustodyView(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, got.ActiveLegID)

	// equal event time is accepted
	sameTime := &models.CustodyView{ShipmentID: 7, LastKnownBranch: 9, EvidenceAt: t0.Add(5 * time.Hour)}
	applied, err = st.SaveCustodyView(ctx, sameTime)
	require.NoError(t, err)
	require.True(t, applied)

	got, err = st.GetCustodyView(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.LastKnownBranch)
}
