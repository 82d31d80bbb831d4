package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu       sync.Mutex
	settings map[int64]Settings
	outlets  map[int64]string
	loads    int
}

func (m *memoryRepo) Get(_ context.Context, orgID int64) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	s, ok := m.settings[orgID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryRepo) BranchCode(_ context.Context, _ int64, outletID int64) (string, error) {
	code, ok := m.outlets[outletID]
	if !ok {
		return "", ErrNotFound
	}
	return code, nil
}

func newTestService(t *testing.T, repo *memoryRepo) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, NewCache(client, time.Minute), nil), mr
}

func TestGetCachesSettings(t *testing.T) {
	repo := &memoryRepo{settings: map[int64]Settings{
		1: {OrganizationID: 1, EnableInvoices: true, Prefix: "INV-", ResetCycle: ResetMonthly},
	}}
	svc, mr := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, first.EnableInvoices)
	require.Equal(t, DefaultPadding, first.Padding)

	second, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.loads)
	require.True(t, mr.Exists(cacheKey(1)))

	require.NoError(t, svc.Invalidate(ctx, 1))
	require.False(t, mr.Exists(cacheKey(1)))

	_, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, repo.loads)
}

func TestGetMissingSettingsAreDisabled(t *testing.T) {
	svc, _ := newTestService(t, &memoryRepo{settings: map[int64]Settings{}})

	cfg, err := svc.Get(context.Background(), 99)
	require.NoError(t, err)
	require.False(t, cfg.EnableInvoices)
	require.Equal(t, ResetNever, cfg.ResetCycle)
	require.Equal(t, FormatA4, cfg.DisplayFormat)
}

func TestGetWithoutCache(t *testing.T) {
	repo := &memoryRepo{settings: map[int64]Settings{2: {OrganizationID: 2, EnableInvoices: true}}}
	svc := NewService(repo, nil, nil)

	_, err := svc.Get(context.Background(), 2)
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, repo.loads)
	require.NoError(t, svc.Invalidate(context.Background(), 2))
}

func TestBranchCode(t *testing.T) {
	svc, _ := newTestService(t, &memoryRepo{outlets: map[int64]string{5: " blr "}})

	code, err := svc.BranchCode(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Equal(t, "BLR", code)

	code, err = svc.BranchCode(context.Background(), 1, 6)
	require.NoError(t, err)
	require.Empty(t, code)

	code, err = svc.BranchCode(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, code)
}

func TestListenForInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int64, 1)
	require.NoError(t, cache.ListenForInvalidation(ctx, func(orgID int64) { got <- orgID }))
	require.NoError(t, cache.Delete(ctx, 42))

	select {
	case id := <-got:
		require.Equal(t, int64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
}

func TestNormalise(t *testing.T) {
	s := Settings{Prefix: "  A ", ResetCycle: "MONTHLY", Padding: 40, DisplayFormat: "Thermal", Branding: Branding{LogoURL: "x"}}.Normalise()
	require.Equal(t, "A", s.Prefix)
	require.Equal(t, ResetMonthly, s.ResetCycle)
	require.Equal(t, MaxPadding, s.Padding)
	require.Equal(t, FormatThermal, s.DisplayFormat)
	require.Empty(t, s.Branding.LogoURL)

	require.Equal(t, MinPadding, Settings{Padding: -3}.Normalise().Padding)
}

func TestWatchReportsInvalidations(t *testing.T) {
	svc, _ := newTestService(t, &memoryRepo{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int64, 1)
	require.NoError(t, svc.Watch(ctx, func(orgID int64) { got <- orgID }))
	require.NoError(t, svc.Invalidate(ctx, 7))

	select {
	case id := <-got:
		require.Equal(t, int64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}

	uncached := NewService(&memoryRepo{}, nil, nil)
	require.NoError(t, uncached.Watch(ctx, nil))
}
