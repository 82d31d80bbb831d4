//go:build integration

package invoicing

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/platform/db"
)

// Run with: TILLPOINT_TEST_PG_DSN=postgres://... go test -tags integration ./internal/invoicing/
func integrationRepo(t *testing.T) (*Repository, int64) {
	t.Helper()
	dsn := os.Getenv("TILLPOINT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TILLPOINT_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 16, ApplicationName: "tillpoint-integration"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../scripts/schema/invoicing.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	var orgID int64
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id`, t.Name()).Scan(&orgID))
	t.Cleanup(func() { cleanupOrganization(pool, orgID) })
	return NewRepository(pool), orgID
}

func cleanupOrganization(pool *pgxpool.Pool, orgID int64) {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `DELETE FROM invoices WHERE organization_id = $1`, orgID)
	_, _ = pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
}

func draftInvoice(orgID int64, prefix string) Invoice {
	at := time.Now().UTC().Truncate(time.Microsecond)
	return Invoice{
		OrganizationID: orgID,
		Prefix:         prefix,
		Items: []Item{
			{ProductID: 1, Name: "Masala Dosa", Quantity: dec("1"), Rate: dec("80"), Amount: dec("80"), Total: dec("80")},
		},
		Subtotal:       dec("80"),
		TaxAmount:      dec("0"),
		DiscountAmount: dec("0"),
		Total:          dec("80"),
		CreatedBy:      9,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func insertRetrying(ctx context.Context, repo *Repository, draft Invoice) (Invoice, error) {
	for {
		inv, err := repo.InsertNumbered(ctx, draft, 4)
		if !errors.Is(err, ErrNumberingConflict) {
			return inv, err
		}
		if ctx.Err() != nil {
			return Invoice{}, ctx.Err()
		}
	}
}

func TestRepositoryConcurrentNumberingIsGapless(t *testing.T) {
	repo, orgID := integrationRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 20
	serials := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := insertRetrying(ctx, repo, draftInvoice(orgID, "INV-"))
			serials[i], errs[i] = inv.Serial, err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	for i, serial := range serials {
		require.Equal(t, int64(i+1), serial)
	}
}

func TestRepositoryPrefixOverlapIsCollision(t *testing.T) {
	repo, orgID := integrationRepo(t)
	ctx := context.Background()

	// "A1" at serial 1 and "A" at serial 11 both print A11 with padding 1.
	first, err := repo.InsertNumbered(ctx, draftInvoice(orgID, "A1"), 1)
	require.NoError(t, err)
	require.Equal(t, "A11", first.Number)
	for i := 0; i < 10; i++ {
		_, err := repo.InsertNumbered(ctx, draftInvoice(orgID, "A"), 1)
		require.NoError(t, err)
	}
	_, err = repo.InsertNumbered(ctx, draftInvoice(orgID, "A"), 1)
	require.ErrorIs(t, err, ErrNumberCollision)
}

func TestRepositoryRenderLease(t *testing.T) {
	repo, orgID := integrationRepo(t)
	ctx := context.Background()
	inv, err := repo.InsertNumbered(ctx, draftInvoice(orgID, "INV-"), 4)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	claimed, err := repo.ClaimRender(ctx, orgID, inv.ID, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusGenerating, claimed.Status)
	require.Equal(t, 1, claimed.RenderAttempts)

	_, err = repo.ClaimRender(ctx, orgID, inv.ID, now.Add(time.Second), now.Add(-time.Minute))
	require.ErrorIs(t, err, ErrClaimLost)

	// The lease expires and a second renderer takes over; the first token is fenced off.
	later := now.Add(5 * time.Minute)
	taken, err := repo.ClaimRender(ctx, orgID, inv.ID, later, later.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, taken.RenderAttempts)

	_, err = repo.MarkReady(ctx, orgID, inv.ID, claimed.RenderStartedAt, "<html>", "https://x/pdf", later)
	require.ErrorIs(t, err, ErrClaimLost)
	require.ErrorIs(t, repo.ReleaseRender(ctx, orgID, inv.ID, *claimed.RenderStartedAt, "late"), ErrClaimLost)

	ready, err := repo.MarkReady(ctx, orgID, inv.ID, taken.RenderStartedAt, "<html>", "https://x/pdf", later)
	require.NoError(t, err)
	require.Equal(t, StatusReady, ready.Status)
	require.Equal(t, "https://x/pdf", ready.PDFURL)
	require.Nil(t, ready.RenderStartedAt)
}

func TestRepositoryPendingRendersRespectsAttemptCap(t *testing.T) {
	repo, orgID := integrationRepo(t)
	ctx := context.Background()
	fresh, err := repo.InsertNumbered(ctx, draftInvoice(orgID, "INV-"), 4)
	require.NoError(t, err)
	failing, err := repo.InsertNumbered(ctx, draftInvoice(orgID, "INV-"), 4)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 2; i++ {
		claimed, err := repo.ClaimRender(ctx, orgID, failing.ID, now, now.Add(-time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.ReleaseRender(ctx, orgID, failing.ID, *claimed.RenderStartedAt, "engine down"))
	}

	future := time.Now().Add(time.Hour)
	pending, err := repo.ListPendingRenders(ctx, future, future, 2, 100)
	require.NoError(t, err)
	var ids []int64
	for _, req := range pending {
		if req.OrganizationID == orgID {
			ids = append(ids, req.InvoiceID)
		}
	}
	require.Equal(t, []int64{fresh.ID}, ids)
}
