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

type UserRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindAdmins(ctx context.Context) ([]models.User, error)
	// AdjustLoyaltyPoints credits (positive) or debits (negative, as a
	// compensation) a user's balance.
	AdjustLoyaltyPoints(ctx context.Context, id uuid.UUID, delta int64) error
	PushNotification(ctx context.Context, id, notificationID uuid.UUID) error
	PullNotification(ctx context.Context, id, notificationID uuid.UUID) error
}

type mongoUserRepo struct {
	collection *mongo.Collection
}

func NewMongoUserRepo(db *mongo.Database) UserRepository {
	return &mongoUserRepo{collection: db.Collection("users")}
}

func (r *mongoUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *mongoUserRepo) FindAdmins(ctx context.Context) ([]models.User, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"role": models.RoleAdmin})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var admins []models.User
	if err := cursor.All(ctx, &admins); err != nil {
		return nil, err
	}
	return admins, nil
}

func (r *mongoUserRepo) AdjustLoyaltyPoints(ctx context.Context, id uuid.UUID, delta int64) error {
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"loyalty_points": delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoUserRepo) PushNotification(ctx context.Context, id, notificationID uuid.UUID) error {
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$addToSet": bson.M{"notifications": notificationID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoUserRepo) PullNotification(ctx context.Context, id, notificationID uuid.UUID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"notifications": notificationID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}
