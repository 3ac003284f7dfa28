package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"payment-service/models"
	"payment-service/repository"
)

// StockCoordinator moves the stock/reserved counters in lockstep with
// payment state. Callers key Reserve/Commit/Rollback off the Payment's
// recorded StockReserved/StockCommitted flags so the same logical operation
// can be retried without double-counting.
type StockCoordinator struct {
	phones repository.PhoneRepository
	logger *zap.Logger
}

func NewStockCoordinator(phones repository.PhoneRepository, logger *zap.Logger) *StockCoordinator {
	return &StockCoordinator{phones: phones, logger: logger}
}

// Reserve places a hold for every order line. On a mid-way failure the
// holds already placed are released before the error is returned, so a
// failed Reserve leaves no residue.
func (s *StockCoordinator) Reserve(ctx context.Context, items []models.OrderItem) error {
	reserved := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		if err := s.phones.Reserve(ctx, item.PhoneID, item.Quantity); err != nil {
			for _, done := range reserved {
				if rbErr := s.phones.ReleaseReserved(ctx, done.PhoneID, done.Quantity); rbErr != nil {
					s.logger.Error("failed to release reservation during reserve rollback",
						zap.String("phone_id", done.PhoneID.String()), zap.Error(rbErr))
				}
			}
			if errors.Is(err, repository.ErrInsufficientStock) {
				return err
			}
			return fmt.Errorf("reserve %s: %w", item.PhoneID, err)
		}
		reserved = append(reserved, item)
	}
	return nil
}

// Commit converts holds into permanent decrements, or decrements directly
// when no hold was placed (direct methods). Partial commits are reverted.
func (s *StockCoordinator) Commit(ctx context.Context, items []models.OrderItem, hadReservation bool) error {
	committed := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		var err error
		if hadReservation {
			err = s.phones.CommitReserved(ctx, item.PhoneID, item.Quantity)
		} else {
			err = s.phones.DecrementStock(ctx, item.PhoneID, item.Quantity)
		}
		if err != nil {
			s.revertCommit(ctx, committed, hadReservation)
			if errors.Is(err, repository.ErrInsufficientStock) {
				return err
			}
			return fmt.Errorf("commit stock %s: %w", item.PhoneID, err)
		}
		committed = append(committed, item)
	}
	return nil
}

// Rollback is the inverse of Commit, applied when a confirmed payment is
// compensated. It restores exactly the quantities Commit removed.
func (s *StockCoordinator) Rollback(ctx context.Context, items []models.OrderItem, hadReservation bool) error {
	var firstErr error
	for _, item := range items {
		if err := s.restoreLine(ctx, item, hadReservation); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Release drops holds without touching stock, used when a pending payment
// expires or fails before confirmation.
func (s *StockCoordinator) Release(ctx context.Context, items []models.OrderItem) error {
	var firstErr error
	for _, item := range items {
		if err := s.phones.ReleaseReserved(ctx, item.PhoneID, item.Quantity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *StockCoordinator) revertCommit(ctx context.Context, items []models.OrderItem, hadReservation bool) {
	for _, item := range items {
		if err := s.restoreLine(ctx, item, hadReservation); err != nil {
			s.logger.Error("failed to revert partial stock commit",
				zap.String("phone_id", item.PhoneID.String()), zap.Error(err))
		}
	}
}

func (s *StockCoordinator) restoreLine(ctx context.Context, item models.OrderItem, hadReservation bool) error {
	if err := s.phones.IncrementStock(ctx, item.PhoneID, item.Quantity); err != nil {
		return err
	}
	if hadReservation {
		// The hold was consumed by the commit; re-place it so the payment's
		// recorded reserved state stays true.
		return s.phones.Reserve(ctx, item.PhoneID, item.Quantity)
	}
	return nil
}
