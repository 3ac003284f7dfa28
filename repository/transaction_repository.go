package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"payment-service/models"
)

// TransactionRepository persists the append-only audit trail. A terminal
// transaction is never mutated; CompleteFrom is the only status write and
// it is guarded on the Pending source state.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Transaction, error)
	// FindPendingByPayment returns the open Pending transaction, or
	// ErrNotFound when every transaction has reached a terminal status.
	FindPendingByPayment(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error)
	// CompleteFrom moves a Pending transaction to a terminal status;
	// returns ErrStaleStatus if it is no longer Pending.
	CompleteFrom(ctx context.Context, id uuid.UUID, to models.TransactionStatus, set bson.M) error
	CountByPayment(ctx context.Context, paymentID uuid.UUID) (int64, error)
}

type mongoTransactionRepo struct {
	collection *mongo.Collection
}

func NewMongoTransactionRepo(db *mongo.Database) TransactionRepository {
	return &mongoTransactionRepo{collection: db.Collection("transactions")}
}

func (r *mongoTransactionRepo) Create(ctx context.Context, txn *models.Transaction) error {
	now := time.Now().UTC()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if txn.TransactionDate.IsZero() {
		txn.TransactionDate = now
	}
	_, err := r.collection.InsertOne(ctx, txn)
	return err
}

func (r *mongoTransactionRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&txn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *mongoTransactionRepo) FindByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Transaction, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"payment_id": paymentID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var txns []models.Transaction
	if err := cursor.All(ctx, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *mongoTransactionRepo) FindPendingByPayment(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.collection.FindOne(ctx, bson.M{
		"payment_id": paymentID,
		"status":     models.TransactionPending,
	}).Decode(&txn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *mongoTransactionRepo) CompleteFrom(ctx context.Context, id uuid.UUID, to models.TransactionStatus, set bson.M) error {
	if set == nil {
		set = bson.M{}
	}
	set["status"] = to
	set["updated_at"] = time.Now().UTC()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.TransactionPending},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *mongoTransactionRepo) CountByPayment(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"payment_id": paymentID})
}
