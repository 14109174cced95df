// Package ledger maintains the single running debt balance per partner.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"inventra/backend/internal/domain"
	"inventra/backend/internal/store"
)

type PartnerTx interface {
	LockPartner(ctx context.Context, id int64) (*domain.Partner, error)
	AddPartnerBalance(ctx context.Context, id int64, debtDelta decimal.Decimal, revenueDelta decimal.Decimal) error
}

// Check applies the charge rules to an already locked partner row.
func Check(partner domain.Partner, amount decimal.Decimal) error {
	if partner.Locked() {
		return store.Forbidden("partner %s is locked", partner.Code)
	}
	if amount.IsNegative() {
		return store.Invalid("charge amount must not be negative")
	}
	if partner.CurrentDebt.Add(amount).GreaterThan(partner.DebtLimit) {
		return &store.LimitExceededError{
			PartnerID:   partner.ID,
			CurrentDebt: partner.CurrentDebt,
			Amount:      amount,
			DebtLimit:   partner.DebtLimit,
		}
	}
	return nil
}

// Charge raises debt and total revenue by amount. The caller must hold the
// partner lock taken when Check passed.
func Charge(ctx context.Context, tx PartnerTx, partnerID int64, amount decimal.Decimal) error {
	return tx.AddPartnerBalance(ctx, partnerID, amount, amount)
}

// CheckAndCharge locks the partner, validates the charge and applies it.
func CheckAndCharge(ctx context.Context, tx PartnerTx, partnerID int64, amount decimal.Decimal) (*domain.Partner, error) {
	partner, err := tx.LockPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if err := Check(*partner, amount); err != nil {
		return nil, err
	}
	if err := Charge(ctx, tx, partnerID, amount); err != nil {
		return nil, err
	}
	partner.CurrentDebt = partner.CurrentDebt.Add(amount)
	partner.TotalRevenue = partner.TotalRevenue.Add(amount)
	return partner, nil
}

// Credit lowers debt by amount. Limits only gate new charges, so there is no
// limit check and the balance may go below zero.
func Credit(ctx context.Context, tx PartnerTx, partnerID int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return store.Invalid("credit amount must not be negative")
	}
	return tx.AddPartnerBalance(ctx, partnerID, amount.Neg(), decimal.Zero)
}
