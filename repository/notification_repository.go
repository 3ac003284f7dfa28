package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"payment-service/models"
)

// NotificationRepository persists in-app notifications. Delete exists for
// the compensation path: partially created success notifications are
// removed when a completion rolls back.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type mongoNotificationRepo struct {
	collection *mongo.Collection
}

func NewMongoNotificationRepo(db *mongo.Database) NotificationRepository {
	return &mongoNotificationRepo{collection: db.Collection("notifications")}
}

func (r *mongoNotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, n)
	return err
}

func (r *mongoNotificationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
