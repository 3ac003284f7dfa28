package awsx

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSClient publishes payment events to an SNS topic. It satisfies the
// notification sink's publisher interface.
type SNSClient struct {
	client *sns.Client
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{client: sns.NewFromConfig(cfg)}
}

func (s *SNSClient) Publish(ctx context.Context, topicArn string, message []byte) error {
	if topicArn == "" {
		return fmt.Errorf("empty topic arn")
	}
	msg := string(message)
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: &topicArn,
		Message:  &msg,
	})
	if err != nil {
		return fmt.Errorf("sns publish to %s: %w", topicArn, err)
	}
	return nil
}
