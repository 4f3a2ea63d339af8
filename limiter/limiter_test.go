package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduhelper/db"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]db.UsageRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]db.UsageRecord)}
}

func (m *memStore) GetUsage(_ context.Context, userID string) (*db.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return db.NewUsageRecord(userID, time.Now()), nil
	}
	return &rec, nil
}

func (m *memStore) UpdateUsage(_ context.Context, userID string, fn func(*db.UsageRecord) error) (*db.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		rec = *db.NewUsageRecord(userID, time.Now())
	}
	if err := fn(&rec); err != nil {
		return nil, err
	}
	m.recs[userID] = rec
	return &rec, nil
}

func (m *memStore) put(rec db.UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.UserID] = rec
}

func (m *memStore) get(userID string) db.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[userID]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(limit int) (*Limiter, *memStore, *clock) {
	store := newMemStore()
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, Options{DefaultDailyLimit: limit, Now: clk.now}), store, clk
}

func TestTryAdmitWithinDailyLimit(t *testing.T) {
	l, store, _ := newTestLimiter(2)
	ctx := context.Background()

	adm, err := l.TryAdmit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceDaily, adm.Source)
	assert.Equal(t, "2026-05-01", store.get("u1").UsageDay)
	assert.Equal(t, 0, store.get("u1").RequestsToday, "admission alone does not count a request")
}

func TestExhaustedLimitWithoutBonusIsDenied(t *testing.T) {
	l, store, _ := newTestLimiter(3)
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 3, UsageDay: "2026-05-01"})

	_, err := l.TryAdmit(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Limit)
	assert.Equal(t, 3, qe.Used)
	assert.Equal(t, 0, store.get("u1").BonusRequests)
}

func TestBonusDrawnExactlyOnce(t *testing.T) {
	l, store, _ := newTestLimiter(1)
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 1, BonusRequests: 2, UsageDay: "2026-05-01"})

	adm, err := l.TryAdmit(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceBonus, adm.Source)
	assert.Equal(t, 1, store.get("u1").BonusRequests)
}

func TestBannedUserIsAlwaysDenied(t *testing.T) {
	l, store, _ := newTestLimiter(10)
	store.put(db.UsageRecord{UserID: "u1", IsBanned: true, BonusRequests: 5})

	_, err := l.TryAdmit(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrBanned)
	assert.ErrorIs(t, l.Check(context.Background(), "u1", Admission{Source: SourceBonus}), ErrBanned)
	assert.Equal(t, 5, store.get("u1").BonusRequests)
}

func TestNewDayResetsCounter(t *testing.T) {
	l, store, clk := newTestLimiter(2)
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 2, UsageDay: "2026-05-01"})

	_, err := l.TryAdmit(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	clk.t = clk.t.Add(12 * time.Hour)
	adm, err := l.TryAdmit(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceDaily, adm.Source)
	rec := store.get("u1")
	assert.Equal(t, 0, rec.RequestsToday)
	assert.Equal(t, "2026-05-02", rec.UsageDay)
}

func TestDayFollowsLocation(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	l := New(newMemStore(), Options{Location: loc})
	late := time.Date(2026, 5, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-05-02", l.Day(late))
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, loc), l.DayStart(late))
}

func TestCustomLimitOverridesDefault(t *testing.T) {
	l, store, _ := newTestLimiter(20)
	ctx := context.Background()
	five := 5
	require.NoError(t, l.SetCustomLimit(ctx, "u1", &five))

	rec := store.get("u1")
	rec.RequestsToday = 5
	rec.UsageDay = "2026-05-01"
	store.put(rec)

	_, err := l.TryAdmit(ctx, "u1")
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	require.NoError(t, l.SetCustomLimit(ctx, "u1", nil))
	_, err = l.TryAdmit(ctx, "u1")
	assert.NoError(t, err)

	neg := -1
	assert.Error(t, l.SetCustomLimit(ctx, "u1", &neg))
}

func TestCheckIsNonMutating(t *testing.T) {
	l, store, _ := newTestLimiter(1)
	ctx := context.Background()
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 1, BonusRequests: 1, UsageDay: "2026-05-01"})

	require.NoError(t, l.Check(ctx, "u1", Admission{}))
	assert.Equal(t, 1, store.get("u1").BonusRequests)

	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 1, UsageDay: "2026-05-01"})
	assert.ErrorIs(t, l.Check(ctx, "u1", Admission{}), ErrDailyLimitExceeded)
	assert.NoError(t, l.Check(ctx, "u1", Admission{Source: SourceBonus}), "held bonus stays valid")

	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 1, UsageDay: "2026-04-30"})
	assert.NoError(t, l.Check(ctx, "u1", Admission{}), "yesterday's count does not apply")
}

func TestReleaseRefundsBonusOnly(t *testing.T) {
	l, store, _ := newTestLimiter(1)
	ctx := context.Background()
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 1, BonusRequests: 1, UsageDay: "2026-05-01"})

	adm, err := l.TryAdmit(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, SourceBonus, adm.Source)
	assert.Equal(t, 0, store.get("u1").BonusRequests)

	require.NoError(t, l.Release(ctx, "u1", adm))
	assert.Equal(t, 1, store.get("u1").BonusRequests)

	require.NoError(t, l.Release(ctx, "u1", Admission{Source: SourceDaily}))
	assert.Equal(t, 1, store.get("u1").BonusRequests)
}

func TestAdminOperations(t *testing.T) {
	l, store, _ := newTestLimiter(1)
	ctx := context.Background()

	require.NoError(t, l.GrantBonus(ctx, "u1", 3))
	assert.Equal(t, 3, store.get("u1").BonusRequests)
	assert.Error(t, l.GrantBonus(ctx, "u1", 0))

	require.NoError(t, l.SetBanned(ctx, "u1", true))
	assert.True(t, store.get("u1").IsBanned)
	require.NoError(t, l.SetBanned(ctx, "u1", false))
	assert.False(t, store.get("u1").IsBanned)
}

func TestUsageResetsStaleDay(t *testing.T) {
	l, store, _ := newTestLimiter(5)
	store.put(db.UsageRecord{UserID: "u1", RequestsToday: 4, RequestsTotal: 9, UsageDay: "2026-04-30"})

	rec, err := l.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RequestsToday)
	assert.Equal(t, 9, rec.RequestsTotal)
	assert.Equal(t, 4, store.get("u1").RequestsToday, "reading does not write")
}
