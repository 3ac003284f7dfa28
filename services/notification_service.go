package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-service/models"
	"payment-service/repository"
)

// SNSPublisher is the outbound event side-channel; delivery is best-effort.
type SNSPublisher interface {
	Publish(ctx context.Context, topicArn string, message []byte) error
}

// NotificationSink creates in-app notifications and fans the event out. The
// in-app write is consistency-critical on the success path: the returned id
// is pushed onto the user's notification list, and the engine rolls the
// whole completion back if either write fails.
type NotificationSink interface {
	Notify(ctx context.Context, kind string, recipient uuid.UUID, title, message string, data map[string]interface{}) (uuid.UUID, error)
	// Remove deletes a notification and its user-list reference; it is the
	// compensation for Notify and is safe to call more than once.
	Remove(ctx context.Context, recipient, notificationID uuid.UUID) error
}

type notificationService struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	sns           SNSPublisher
	topicArn      string
	logger        *zap.Logger
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	sns SNSPublisher,
	topicArn string,
	logger *zap.Logger,
) NotificationSink {
	return &notificationService{
		notifications: notifications,
		users:         users,
		sns:           sns,
		topicArn:      topicArn,
		logger:        logger,
	}
}

func (s *notificationService) Notify(ctx context.Context, kind string, recipient uuid.UUID, title, message string, data map[string]interface{}) (uuid.UUID, error) {
	n := &models.Notification{
		ID:        uuid.New(),
		UserID:    recipient,
		Kind:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		return uuid.Nil, err
	}
	if err := s.users.PushNotification(ctx, recipient, n.ID); err != nil {
		// The reference must not dangle; undo the insert before failing.
		if delErr := s.notifications.Delete(ctx, n.ID); delErr != nil {
			s.logger.Error("failed to delete notification after push failure",
				zap.String("notification_id", n.ID.String()), zap.Error(delErr))
		}
		return uuid.Nil, err
	}

	s.publishEvent(ctx, kind, recipient, data)
	return n.ID, nil
}

func (s *notificationService) Remove(ctx context.Context, recipient, notificationID uuid.UUID) error {
	if err := s.users.PullNotification(ctx, recipient, notificationID); err != nil {
		return err
	}
	return s.notifications.Delete(ctx, notificationID)
}

// publishEvent pushes the event to SNS; failures are logged only, the sink
// does not care about delivery beyond the in-app write.
func (s *notificationService) publishEvent(ctx context.Context, kind string, recipient uuid.UUID, data map[string]interface{}) {
	if s.sns == nil || s.topicArn == "" {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event_type": kind,
		"user_id":    recipient.String(),
		"data":       data,
		"timestamp":  time.Now().UTC(),
	})
	if err := s.sns.Publish(ctx, s.topicArn, payload); err != nil {
		s.logger.Warn("failed to publish notification event",
			zap.String("event_type", kind), zap.Error(err))
		return
	}
	s.logger.Info("notification event published", zap.String("event_type", kind))
}
