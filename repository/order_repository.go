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

type OrderRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// UpdateStatusFrom is the order-side status CAS; from may list several
	// acceptable source states (e.g. a cancellation racing a confirm).
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from []models.OrderStatus, to models.OrderStatus, set bson.M) error
	SetFields(ctx context.Context, id uuid.UUID, set bson.M) error
	AddPaymentRef(ctx context.Context, id, paymentID uuid.UUID) error
	RemovePaymentRef(ctx context.Context, id, paymentID uuid.UUID) error
}

type mongoOrderRepo struct {
	collection *mongo.Collection
}

func NewMongoOrderRepo(db *mongo.Database) OrderRepository {
	return &mongoOrderRepo{collection: db.Collection("orders")}
}

func (r *mongoOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *mongoOrderRepo) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from []models.OrderStatus, to models.OrderStatus, set bson.M) error {
	if set == nil {
		set = bson.M{}
	}
	set["order_status"] = to
	set["updated_at"] = time.Now().UTC()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "order_status": bson.M{"$in": from}},
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

func (r *mongoOrderRepo) SetFields(ctx context.Context, id uuid.UUID, set bson.M) error {
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

func (r *mongoOrderRepo) AddPaymentRef(ctx context.Context, id, paymentID uuid.UUID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$addToSet": bson.M{"payments": paymentID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}

func (r *mongoOrderRepo) RemovePaymentRef(ctx context.Context, id, paymentID uuid.UUID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"payments": paymentID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}
