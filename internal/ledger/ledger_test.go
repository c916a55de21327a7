package ledger

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/repository"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, remote, local *memStore) *Ledger {
	t.Helper()

	cfg := Config{
		Cache: newMemCache(),
		Now:   func() time.Time { return testNow },
	}
	if remote != nil {
		cfg.Remote = remote
	}
	if local != nil {
		cfg.Local = local
	}
	return New(cfg)
}

func TestScenario_FreshAnonymousIdentity(t *testing.T) {
	local := newMemStore(false)
	l := newTestLedger(t, nil, local)
	ctx := context.Background()
	id := model.Anonymous("device-1")

	b, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Permanent)
	assert.Equal(t, int64(0), b.Expiring)
	assert.Equal(t, int64(0), b.Total)

	b, err = l.AddCredits(ctx, id, 1, model.CreditPermanent, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Total)

	res, err := l.Spend(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.Balance.Total)

	res, err = l.Spend(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient credits", res.Error)

	b, err = l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Total)
}

func TestSpend_DrawsExpiringBeforePermanent(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 5, model.ExpiringGrant{Amount: 3, ExpiresAt: testNow.Add(24 * time.Hour)})
	l := newTestLedger(t, remote, newMemStore(false))

	res, err := l.Spend(context.Background(), model.Authenticated("user-1"), 4)
	require.NoError(t, err)
	require.True(t, res.Success)

	acc := remote.account("user-1")
	assert.Equal(t, int64(4), acc.Permanent)
	assert.Empty(t, acc.Grants)
	assert.Equal(t, int64(4), res.Balance.Total)
	assert.Equal(t, int64(0), res.Balance.Expiring)
}

func TestSpend_SoonestExpiringFirst(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 10,
		model.ExpiringGrant{Amount: 5, ExpiresAt: testNow.Add(48 * time.Hour)},
		model.ExpiringGrant{Amount: 5, ExpiresAt: testNow.Add(24 * time.Hour)},
	)
	l := newTestLedger(t, remote, newMemStore(false))

	res, err := l.Spend(context.Background(), model.Authenticated("user-1"), 6)
	require.NoError(t, err)
	require.True(t, res.Success)

	acc := remote.account("user-1")
	require.Len(t, acc.Grants, 1)
	assert.Equal(t, testNow.Add(48*time.Hour), acc.Grants[0].ExpiresAt)
	assert.Equal(t, int64(4), acc.Grants[0].Amount)
	assert.Equal(t, int64(10), acc.Permanent)
}

func TestSpend_SkipsExpiredGrants(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 3, model.ExpiringGrant{Amount: 10, ExpiresAt: testNow.Add(-time.Second)})
	l := newTestLedger(t, remote, newMemStore(false))

	res, err := l.Spend(context.Background(), model.Authenticated("user-1"), 4)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = l.Spend(context.Background(), model.Authenticated("user-1"), 3)
	require.NoError(t, err)
	assert.True(t, res.Success)

	acc := remote.account("user-1")
	assert.Equal(t, int64(0), acc.Permanent)
	require.Len(t, acc.Grants, 1)
	assert.Equal(t, int64(10), acc.Grants[0].Amount, "expired grant must not be drawn")
}

func TestSpend_InsufficientCreditsLeavesPoolsUnchanged(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 1, model.ExpiringGrant{Amount: 1, ExpiresAt: testNow.Add(time.Hour)})
	l := newTestLedger(t, remote, newMemStore(false))
	before := remote.account("user-1")

	res, err := l.Spend(context.Background(), model.Authenticated("user-1"), 5)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrInsufficientCredits.Error(), res.Error)
	assert.Equal(t, int64(2), res.Balance.Total)

	assert.Equal(t, before, remote.account("user-1"))
	assert.Equal(t, 0, remote.updateCalls)
}

func TestSpend_RejectsNonPositiveAmount(t *testing.T) {
	l := newTestLedger(t, nil, newMemStore(false))

	for _, amount := range []int64{0, -3} {
		_, err := l.Spend(context.Background(), model.Anonymous("device-1"), amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestSpend_WriteFailureFailsClosed(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 5)
	remote.updateErr = errors.New("connection reset by peer")
	l := newTestLedger(t, remote, newMemStore(false))

	res, err := l.Spend(context.Background(), model.Authenticated("user-1"), 1)
	require.Error(t, err)
	assert.False(t, res.Success)

	remote.updateErr = nil
	assert.Equal(t, int64(5), remote.account("user-1").Permanent)
}

func TestSpend_RetriesAfterConcurrentUpdate(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 5)
	l := newTestLedger(t, remote, newMemStore(false))
	ctx := context.Background()
	id := model.Authenticated("user-1")

	var competing SpendResult
	remote.beforeUpdate = func() {
		var err error
		competing, err = l.Spend(ctx, id, 4)
		require.NoError(t, err)
	}

	res, err := l.Spend(ctx, id, 4)
	require.NoError(t, err)

	assert.True(t, competing.Success)
	assert.False(t, res.Success, "second device must see the balance left by the first")
	assert.Equal(t, int64(1), remote.account("user-1").Permanent)
}

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 3, model.ExpiringGrant{Amount: 4, ExpiresAt: testNow.Add(time.Hour)})
	l := newTestLedger(t, remote, newMemStore(false))
	id := model.Authenticated("user-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Spend(context.Background(), id, 1)
			if err != nil {
				assert.ErrorIs(t, err, ErrTooManyConflicts)
				return
			}
			if res.Success {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	acc := remote.account("user-1")
	assert.LessOrEqual(t, succeeded, int64(7))
	assert.Equal(t, int64(7)-succeeded, acc.Balance(testNow).Total)
	assert.GreaterOrEqual(t, acc.Permanent, int64(0))
}

func TestBalance_ExcludesExpiredGrantsAndSweepRemovesThem(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 0, model.ExpiringGrant{Amount: 2, ExpiresAt: testNow.Add(-time.Second)})
	l := newTestLedger(t, remote, newMemStore(false))
	id := model.Authenticated("user-1")

	b, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Total)
	assert.Len(t, remote.account("user-1").Grants, 1, "read must not delete without sweep-on-read")

	n, err := l.SweepExpiredGrants(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, remote.account("user-1").Grants)
}

func TestBalance_SweepOnRead(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 1,
		model.ExpiringGrant{Amount: 2, ExpiresAt: testNow},
		model.ExpiringGrant{Amount: 3, ExpiresAt: testNow.Add(time.Hour)},
	)
	l := New(Config{
		Remote:      remote,
		Local:       newMemStore(false),
		SweepOnRead: true,
		Now:         func() time.Time { return testNow },
	})

	b, err := l.Balance(context.Background(), model.Authenticated("user-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.Total)
	assert.Len(t, remote.account("user-1").Grants, 1)
}

func TestBalance_DegradesToLocalSnapshot(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 4,
		model.ExpiringGrant{Amount: 2, ExpiresAt: testNow.Add(time.Minute)},
		model.ExpiringGrant{Amount: 5, ExpiresAt: testNow.Add(time.Hour)},
	)
	now := testNow
	l := New(Config{
		Remote: remote,
		Local:  newMemStore(false),
		Cache:  newMemCache(),
		Now:    func() time.Time { return now },
	})
	id := model.Authenticated("user-1")

	fresh, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, fresh.Stale)
	assert.Equal(t, int64(11), fresh.Total)

	remote.getErr = errors.New("connection refused")
	now = testNow.Add(2 * time.Minute)

	stale, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, testNow, stale.AsOf)
	assert.Equal(t, int64(9), stale.Total, "grant expired since the snapshot must be excluded")
}

func TestBalance_RemoteFailureWithoutSnapshot(t *testing.T) {
	remote := newMemStore(true)
	remote.getErr = errors.New("connection refused")
	l := newTestLedger(t, remote, newMemStore(false))

	_, err := l.Balance(context.Background(), model.Authenticated("user-1"))
	require.Error(t, err)
}

func TestIdentityResolution(t *testing.T) {
	l := newTestLedger(t, nil, newMemStore(false))
	ctx := context.Background()

	_, err := l.Balance(ctx, model.Authenticated(""))
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = l.Spend(ctx, model.Identity{ID: "x"}, 1)
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = l.Spend(ctx, model.Authenticated("user-1"), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAddCredits(t *testing.T) {
	remote := newMemStore(true)
	local := newMemStore(false)
	l := newTestLedger(t, remote, local)
	ctx := context.Background()
	user := model.Authenticated("user-1")
	expiry := testNow.Add(24 * time.Hour)

	_, err := l.AddCredits(ctx, user, 5, model.CreditExpiring, expiry)
	require.NoError(t, err)
	b, err := l.AddCredits(ctx, user, 5, model.CreditExpiring, expiry)
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Expiring)
	assert.Len(t, remote.account("user-1").Grants, 2, "grants with the same expiry stay separate")

	_, err = l.AddCredits(ctx, user, 1, model.CreditExpiring, testNow)
	assert.ErrorIs(t, err, ErrInvalidExpiry)

	_, err = l.AddCredits(ctx, user, 0, model.CreditPermanent, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.AddCredits(ctx, model.Anonymous("device-1"), 1, model.CreditExpiring, expiry)
	assert.ErrorIs(t, err, repository.ErrExpiringUnsupported)
}

func TestConservation(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 2, model.ExpiringGrant{Amount: 4, ExpiresAt: testNow.Add(time.Hour)})
	l := newTestLedger(t, remote, newMemStore(false))
	ctx := context.Background()
	id := model.Authenticated("user-1")

	before, err := l.Balance(ctx, id)
	require.NoError(t, err)

	res, err := l.Spend(ctx, id, 5)
	require.NoError(t, err)
	require.True(t, res.Success)

	after, err := l.AddCredits(ctx, id, 5, model.CreditPermanent, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, before.Total, after.Total)
}

func TestNonNegativityUnderRandomOperations(t *testing.T) {
	remote := newMemStore(true)
	l := newTestLedger(t, remote, newMemStore(false))
	ctx := context.Background()
	id := model.Authenticated("user-1")
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		amount := int64(rnd.Intn(7) + 1)
		switch rnd.Intn(3) {
		case 0:
			snap := remote.account("user-1")
			before := snap.Balance(testNow).Total
			res, err := l.Spend(ctx, id, amount)
			require.NoError(t, err)
			assert.Equal(t, before >= amount, res.Success)
		case 1:
			_, err := l.AddCredits(ctx, id, amount, model.CreditPermanent, time.Time{})
			require.NoError(t, err)
		case 2:
			offset := time.Duration(rnd.Intn(120)-20) * time.Minute
			_, err := l.AddCredits(ctx, id, amount, model.CreditExpiring, testNow.Add(offset))
			if offset <= 0 {
				require.ErrorIs(t, err, ErrInvalidExpiry)
			} else {
				require.NoError(t, err)
			}
		}

		acc := remote.account("user-1")
		require.GreaterOrEqual(t, acc.Permanent, int64(0))
		for _, g := range acc.Grants {
			require.Greater(t, g.Amount, int64(0))
		}
	}
}

func TestSweepAll(t *testing.T) {
	remote := newMemStore(true)
	remote.seed("user-1", 0, model.ExpiringGrant{Amount: 1, ExpiresAt: testNow.Add(-time.Hour)})
	remote.seed("user-2", 0,
		model.ExpiringGrant{Amount: 1, ExpiresAt: testNow.Add(-time.Minute)},
		model.ExpiringGrant{Amount: 1, ExpiresAt: testNow.Add(time.Minute)},
	)
	l := newTestLedger(t, remote, newMemStore(false))

	n, err := l.SweepAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, remote.account("user-2").Grants, 1)
}

func TestLedgerWithSQLiteLocalStore(t *testing.T) {
	local, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer local.Close()

	l := New(Config{Local: local, Cache: local, Now: func() time.Time { return testNow }})
	ctx := context.Background()
	id := model.Anonymous("device-1")

	_, err = l.AddCredits(ctx, id, 3, model.CreditPermanent, time.Time{})
	require.NoError(t, err)

	res, err := l.Spend(ctx, id, 2)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = l.Spend(ctx, id, 2)
	require.NoError(t, err)
	assert.False(t, res.Success)

	b, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Total)
}
