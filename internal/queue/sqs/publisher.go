// Package sqsqueue fans confirmed channel status changes out to an SQS
// queue so downstream automations (campaign pausing, alerting) see
// connection drops without polling the API.
package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chanlink/internal/engine"
)

type Publisher struct {
	SQS      *sqs.Client
	QueueURL string
}

// PublishStatusEvent sends one status-change record. Group id keeps
// FIFO ordering per (tenant, channel); the event id doubles as the
// dedup key since each transition is generated exactly once.
func (p *Publisher) PublishStatusEvent(ctx context.Context, ev engine.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	groupID := fmt.Sprintf("%s:%s", ev.TenantID, ev.Channel)
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(groupID),
		MessageDeduplicationId: str(ev.ID),
	})
	return err
}

func str(s string) *string { return &s }
