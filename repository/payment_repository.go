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

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus means a compare-and-swap transition found the stored
	// status no longer matching the expected source state: another writer
	// won the race.
	ErrStaleStatus = errors.New("stale status: transition lost the race")
	// ErrDuplicatePayment means a non-cancelled payment already exists for
	// the order.
	ErrDuplicatePayment = errors.New("order already has an active payment")
	// ErrDuplicateTransactionID means the provider transaction id is
	// already assigned to another payment.
	ErrDuplicateTransactionID = errors.New("transaction id already in use")
)

// PaymentRepository is the persistence surface of the Payment record. The
// store guarantees per-document atomicity only; every status transition
// therefore goes through UpdateStatusFrom so the first valid writer wins.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	// UpdateStatusFrom applies set only if the stored status still equals
	// from; returns ErrStaleStatus otherwise.
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to models.PaymentStatus, set bson.M) error
	// ApplyRefund applies set only if both the stored status and the
	// cumulative refund amount still match the snapshot the refund was
	// computed from. A status-only guard is not enough here: two refunds
	// from Partially Refunded swap to the same status, so the refund
	// total is part of the compare.
	ApplyRefund(ctx context.Context, id uuid.UUID, from models.PaymentStatus, priorRefund int64, to models.PaymentStatus, set bson.M) error
	SetFields(ctx context.Context, id uuid.UUID, set bson.M) error
	AppendTransaction(ctx context.Context, id, transactionID uuid.UUID) error
	FindExpiredPending(ctx context.Context, now time.Time, limit int64) ([]models.Payment, error)
	List(ctx context.Context, filter bson.M, page, limit int64) ([]models.Payment, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type mongoPaymentRepo struct {
	collection *mongo.Collection
}

func NewMongoPaymentRepo(db *mongo.Database) PaymentRepository {
	return &mongoPaymentRepo{collection: db.Collection("payments")}
}

// EnsurePaymentIndexes creates the unique sparse index backing the global
// transaction-id uniqueness invariant.
func EnsurePaymentIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("payments").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"transaction_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
		{Keys: bson.D{{Key: "payment_status", Value: 1}, {Key: "expires_at", Value: 1}}},
	})
	return err
}

func (r *mongoPaymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	// Check-then-insert: the store has no cross-document constraint for
	// "one active payment per order", so the engine re-checks and the
	// status CAS absorbs the residual race.
	err := r.collection.FindOne(ctx, bson.M{
		"order_id":       payment.OrderID,
		"payment_status": bson.M{"$ne": models.PaymentCancelled},
	}).Err()
	if err == nil {
		return ErrDuplicatePayment
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}

	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	_, err = r.collection.InsertOne(ctx, payment)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateTransactionID
	}
	return err
}

func (r *mongoPaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *mongoPaymentRepo) FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.collection.FindOne(ctx, bson.M{
		"order_id":       orderID,
		"payment_status": bson.M{"$ne": models.PaymentCancelled},
	}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *mongoPaymentRepo) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.collection.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *mongoPaymentRepo) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to models.PaymentStatus, set bson.M) error {
	if set == nil {
		set = bson.M{}
	}
	set["payment_status"] = to
	set["updated_at"] = time.Now().UTC()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "payment_status": from},
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

func (r *mongoPaymentRepo) ApplyRefund(ctx context.Context, id uuid.UUID, from models.PaymentStatus, priorRefund int64, to models.PaymentStatus, set bson.M) error {
	if set == nil {
		set = bson.M{}
	}
	set["payment_status"] = to
	set["updated_at"] = time.Now().UTC()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "payment_status": from, "refund_amount": priorRefund},
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

func (r *mongoPaymentRepo) SetFields(ctx context.Context, id uuid.UUID, set bson.M) error {
	set["updated_at"] = time.Now().UTC()
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoPaymentRepo) AppendTransaction(ctx context.Context, id, transactionID uuid.UUID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"transactions": transactionID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}

func (r *mongoPaymentRepo) FindExpiredPending(ctx context.Context, now time.Time, limit int64) ([]models.Payment, error) {
	cursor, err := r.collection.Find(ctx, bson.M{
		"payment_status": models.PaymentPending,
		"expires_at":     bson.M{"$lte": now},
	}, options.Find().SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var payments []models.Payment
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *mongoPaymentRepo) List(ctx context.Context, filter bson.M, page, limit int64) ([]models.Payment, int64, error) {
	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var payments []models.Payment
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

func (r *mongoPaymentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
