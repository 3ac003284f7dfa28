package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"payment-service/models"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientReserved guards compensations: a release or commit may
	// never exceed the quantity actually held.
	ErrInsufficientReserved = errors.New("cannot release more than reserved")
)

// PhoneRepository mutates the only resource shared across flows: the
// stock/reserved counters. Every mutation is a single conditional update so
// interleaved flows cannot oversell or double-restore.
type PhoneRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Phone, error)
	// Reserve holds quantity against in-flight orders; fails when fewer
	// than quantity unreserved units remain.
	Reserve(ctx context.Context, id uuid.UUID, quantity int) error
	// ReleaseReserved returns a hold to the available pool.
	ReleaseReserved(ctx context.Context, id uuid.UUID, quantity int) error
	// CommitReserved converts a hold into a permanent stock decrement.
	CommitReserved(ctx context.Context, id uuid.UUID, quantity int) error
	// DecrementStock removes unreserved stock directly (direct-method
	// confirmation without a prior hold).
	DecrementStock(ctx context.Context, id uuid.UUID, quantity int) error
	// IncrementStock restores stock removed by a confirmation being rolled
	// back.
	IncrementStock(ctx context.Context, id uuid.UUID, quantity int) error
}

type mongoPhoneRepo struct {
	collection *mongo.Collection
}

func NewMongoPhoneRepo(db *mongo.Database) PhoneRepository {
	return &mongoPhoneRepo{collection: db.Collection("phones")}
}

func (r *mongoPhoneRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Phone, error) {
	var phone models.Phone
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&phone)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &phone, nil
}

func (r *mongoPhoneRepo) conditionalInc(ctx context.Context, filter, inc bson.M, condErr error) error {
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{
		"$inc": inc,
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return condErr
	}
	return nil
}

func (r *mongoPhoneRepo) Reserve(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.conditionalInc(ctx,
		bson.M{
			"_id":   id,
			"$expr": bson.M{"$gte": bson.A{bson.M{"$subtract": bson.A{"$stock", "$reserved"}}, quantity}},
		},
		bson.M{"reserved": quantity},
		ErrInsufficientStock,
	)
}

func (r *mongoPhoneRepo) ReleaseReserved(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.conditionalInc(ctx,
		bson.M{"_id": id, "reserved": bson.M{"$gte": quantity}},
		bson.M{"reserved": -quantity},
		ErrInsufficientReserved,
	)
}

func (r *mongoPhoneRepo) CommitReserved(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.conditionalInc(ctx,
		bson.M{"_id": id, "reserved": bson.M{"$gte": quantity}, "stock": bson.M{"$gte": quantity}},
		bson.M{"stock": -quantity, "reserved": -quantity},
		ErrInsufficientStock,
	)
}

func (r *mongoPhoneRepo) DecrementStock(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.conditionalInc(ctx,
		bson.M{
			"_id":   id,
			"$expr": bson.M{"$gte": bson.A{bson.M{"$subtract": bson.A{"$stock", "$reserved"}}, quantity}},
		},
		bson.M{"stock": -quantity},
		ErrInsufficientStock,
	)
}

func (r *mongoPhoneRepo) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) error {
	return r.conditionalInc(ctx,
		bson.M{"_id": id},
		bson.M{"stock": quantity},
		ErrNotFound,
	)
}
