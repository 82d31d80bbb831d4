package sales

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// RepositoryPort describes the persistence used by Service.
type RepositoryPort interface {
	Get(ctx context.Context, orgID, saleID int64) (Sale, error)
	UpdatePayment(ctx context.Context, orgID, saleID int64, paymentType PaymentType, isPaid bool) error
}

// Service provides read access to sales plus the payment update.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
}

// NewService constructs a sales service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// Get returns the sale if it belongs to orgID.
func (s *Service) Get(ctx context.Context, orgID, saleID int64) (Sale, error) {
	if orgID <= 0 || saleID <= 0 {
		return Sale{}, ErrNotFound
	}
	sale, err := s.repo.Get(ctx, orgID, saleID)
	if err != nil {
		return Sale{}, fmt.Errorf("get sale: %w", err)
	}
	return sale, nil
}

// UpdatePayment records the settlement of a sale and returns the updated row.
func (s *Service) UpdatePayment(ctx context.Context, orgID, saleID int64, req UpdatePaymentRequest) (Sale, error) {
	if err := s.validate.Struct(req); err != nil {
		return Sale{}, fmt.Errorf("%w: %s", ErrInvalidPaymentType, err.Error())
	}
	paymentType, err := ParsePaymentType(req.PaymentType)
	if err != nil {
		return Sale{}, err
	}
	if err := s.repo.UpdatePayment(ctx, orgID, saleID, paymentType, req.IsPaid); err != nil {
		return Sale{}, fmt.Errorf("update payment: %w", err)
	}
	return s.Get(ctx, orgID, saleID)
}
