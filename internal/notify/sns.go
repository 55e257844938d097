package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSRelay pushes events to an SNS topic. Used by the worker to fan
// notifications out to the managed messaging bus.
type SNSRelay struct {
	client   *sns.Client
	topicARN string
}

// NewSNSRelay wraps an SNS client for one topic.
func NewSNSRelay(client *sns.Client, topicARN string) *SNSRelay {
	return &SNSRelay{client: client, topicARN: topicARN}
}

// Publish sends the event JSON to the topic.
func (r *SNSRelay) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = r.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(r.topicARN),
		Message:  aws.String(string(raw)),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}
	return nil
}
