package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"inventra/backend/internal/money"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrLimitExceeded      = errors.New("debt limit exceeded")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInternal           = errors.New("internal error")
	ErrTxDone             = errors.New("transaction already finished")
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindInsufficientStock Kind = "insufficient_stock"
	KindConflict          Kind = "conflict"
	KindInvalid           Kind = "invalid"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. Anything outside the taxonomy is internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrLimitExceeded):
		return KindLimitExceeded
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidTransaction):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Internal wraps err as ErrInternal unless it already carries a typed kind.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInternal) || KindOf(err) != KindInternal {
		return err
	}
	return &InternalError{Err: err}
}

// InternalError hides a raw storage or runtime failure behind ErrInternal
// while keeping the cause available to errors.Is / errors.As.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() []error {
	return []error{ErrInternal, e.Err}
}

func (e *InternalError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	WarehouseID int64
	Available   int64
	Requested   int64
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s in warehouse %d: available %d, requested %d",
		name, e.WarehouseID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type LimitExceededError struct {
	PartnerID   int64
	CurrentDebt decimal.Decimal
	Amount      decimal.Decimal
	DebtLimit   decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("debt limit exceeded for partner %d: current %s, this order %s, limit %s",
		e.PartnerID, money.Format(e.CurrentDebt), money.Format(e.Amount), money.Format(e.DebtLimit))
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransaction, fmt.Sprintf(format, args...))
}
