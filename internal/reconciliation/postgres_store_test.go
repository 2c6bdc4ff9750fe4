//go:build integration

package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/notemarket/internal/alerts"
	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/escrow"
	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/testutil"
)

func TestPostgresStore_InsertGetList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, d := range []string{"2026-03-12", "2026-03-13", "2026-03-14"} {
		require.NoError(t, store.Insert(ctx, &Record{
			ID: "rec_" + d, Date: d,
			OurTotal: dec("10000"), OurCount: 5,
			ExternalTotal: dec("10200"), ExternalCount: 5,
			AmountDifference: dec("200"), Status: StatusMismatch,
			Threshold: DefaultThreshold, CreatedAt: time.Now().UTC(),
		}))
	}

	rec, err := store.GetByDate(ctx, "2026-03-13")
	require.NoError(t, err)
	assert.Equal(t, "rec_2026-03-13", rec.ID)
	assert.True(t, rec.AmountDifference.Equal(dec("200")))
	assert.Equal(t, StatusMismatch, rec.Status)

	err = store.Insert(ctx, &Record{ID: "other", Date: "2026-03-13", Status: StatusMatch, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, errDuplicateDate)

	list, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2026-03-14", list[0].Date)

	_, err = store.GetByDate(ctx, "2020-01-01")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPostgresStore_RecordsAreImmutable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &Record{ID: "r1", Date: "2026-03-14", Status: StatusMatch, CreatedAt: time.Now()}))

	_, err := db.ExecContext(ctx, `UPDATE reconciliation_records SET status = 'MISMATCH' WHERE id = 'r1'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM reconciliation_records WHERE id = 'r1'`)
	assert.Error(t, err)
}

func TestAuditor_AgainstPostgresLedger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	clk := clock.NewManual(auditDay.Add(10 * time.Hour))
	ledger := escrow.NewPostgresStore(db)
	sales := escrow.NewService(ledger, nil).WithClock(clk)
	for i := 0; i < 5; i++ {
		_, err := sales.RecordSale(ctx, escrow.Sale{SellerID: "s1", Amount: dec("2000")})
		require.NoError(t, err)
	}

	gw := paygateway.NewMockClient(clk)
	gw.AddSettlement(auditDay.Add(11*time.Hour), dec("10200"))
	mem := alerts.NewMemory()
	clk.Set(nextDay)
	a := NewAuditor(NewPostgresStore(db), ledger, gw, mem, mem, nil).WithClock(clk).WithLocation(ist)

	res, err := a.Reconcile(ctx, auditDay)
	require.NoError(t, err)
	assert.Equal(t, StatusMismatch, res.Status)
	assert.True(t, res.AmountDifference.Equal(dec("200")))
	assert.Equal(t, 1, mem.Count(EventMismatch))

	again, err := a.Reconcile(ctx, auditDay)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, mem.Count(EventMismatch))
}
