package payments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	pkgpagination "github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

type paymentsRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	DueRetries(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]models.PaymentTransaction, error)
	List(ctx context.Context, opts listQuery) ([]models.PaymentTransaction, error)
	RevenueByStatus(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]RevenueRow, error)
}

// Service exposes payment history and revenue reads.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	ListHistory(ctx context.Context, params ListParams) (*ListResult, error)
	RevenueStats(ctx context.Context, orgID uuid.UUID, from, to time.Time) (*RevenueStats, error)
	DueRetries(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]models.PaymentTransaction, error)
}

type service struct {
	repo paymentsRepository
}

// NewService builds the payment read service.
func NewService(repo paymentsRepository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment transaction")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment transaction not found")
	}
	return payment, nil
}

func (s *service) DueRetries(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	rows, err := s.repo.DueRetries(ctx, now.UTC(), afterID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due retries")
	}
	return rows, nil
}

func (s *service) ListHistory(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.OrganizationID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if params.Status != "" && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment status")
	}

	query := listQuery{
		organizationID: params.OrganizationID,
		status:         params.Status,
		limit:          pkgpagination.LimitWithBuffer(params.Limit),
	}
	if params.Cursor != "" {
		cursor, err := pkgpagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.cursor = cursor
	}

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payment transactions")
	}

	rows, nextCursor := pkgpagination.Trim(rows, params.Limit, func(row models.PaymentTransaction) pkgpagination.Cursor {
		return pkgpagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})

	items := lo.Map(rows, func(row models.PaymentTransaction, _ int) ListItem { return ToListItem(row) })
	return &ListResult{Items: items, Cursor: nextCursor}, nil
}

// RevenueStats aggregates money collected in [from, to). Refunded and
// partially refunded rows count toward gross; their refunds reduce net.
func (s *service) RevenueStats(ctx context.Context, orgID uuid.UUID, from, to time.Time) (*RevenueStats, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "from must precede to")
	}

	rows, err := s.repo.RevenueByStatus(ctx, orgID, from.UTC(), to.UTC())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate revenue")
	}

	var gross, refunded int64
	stats := &RevenueStats{From: from.UTC(), To: to.UTC()}
	for _, row := range rows {
		switch row.Status {
		case enums.PaymentStatusCompleted, enums.PaymentStatusRefunded, enums.PaymentStatusPartiallyRefunded:
			gross += row.TotalCents
			refunded += row.RefundedCents
			stats.CompletedCount += row.Count
		case enums.PaymentStatusFailed:
			stats.FailedCount += row.Count
		case enums.PaymentStatusPending:
			stats.PendingCount += row.Count
		}
	}
	stats.Gross = Money(gross)
	stats.Refunded = Money(refunded)
	stats.Net = stats.Gross.Sub(stats.Refunded)
	return stats, nil
}

// Money converts integer cents to a two-decimal amount.
func Money(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// MarkCompleted settles a transaction. Refund states are never overwritten.
func MarkCompleted(p *models.PaymentTransaction, processorRef string, at time.Time) bool {
	if !p.Status.CanTransitionTo(enums.PaymentStatusCompleted) {
		return false
	}
	at = at.UTC()
	p.Status = enums.PaymentStatusCompleted
	p.ProcessedAt = &at
	p.NextRetryAt = nil
	p.ErrorMessage = nil
	if ref := strings.TrimSpace(processorRef); ref != "" {
		p.ProcessorReference = &ref
	}
	return true
}

// MarkFailed records a failed attempt and schedules the next retry when one remains.
func MarkFailed(p *models.PaymentTransaction, message string, at time.Time, schedule RetrySchedule) bool {
	if p.Status != enums.PaymentStatusPending && p.Status != enums.PaymentStatusFailed {
		return false
	}
	at = at.UTC()
	p.Status = enums.PaymentStatusFailed
	p.ProcessedAt = &at
	if msg := strings.TrimSpace(message); msg != "" {
		p.ErrorMessage = &msg
	}
	p.NextRetryAt = nil
	if p.RetryCount < p.MaxRetries {
		p.NextRetryAt = schedule.NextAt(p.RetryCount+1, at)
	}
	return true
}

// ApplyRefund records the processor's cumulative refunded amount.
func ApplyRefund(p *models.PaymentTransaction, refundedCents int64, at time.Time) bool {
	if refundedCents <= 0 || refundedCents <= p.RefundedAmountCents {
		return false
	}
	next := enums.PaymentStatusPartiallyRefunded
	if refundedCents >= p.TotalCents {
		next = enums.PaymentStatusRefunded
		refundedCents = p.TotalCents
	}
	if p.Status != next && !p.Status.CanTransitionTo(next) {
		return false
	}
	at = at.UTC()
	p.Status = next
	p.RefundedAmountCents = refundedCents
	p.RefundedAt = &at
	return true
}
