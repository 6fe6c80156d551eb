package alerting

import (
	"context"
	"errors"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
)

// PubSubNotifier publishes created alerts as JSON to a topic, for paging consumers.
type PubSubNotifier struct {
	Topic string
}

func NewPubSubNotifier(topic string) (*PubSubNotifier, error) {
	if topic == "" {
		return nil, errors.New("alert topic is empty")
	}
	return &PubSubNotifier{Topic: topic}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, event *models.AlertEvent) error {
	_, err := config.PublishJSON(ctx, n.Topic, event, map[string]string{
		"event_type": event.EventType,
		"severity":   event.Severity,
		"project_id": event.ProjectId,
	})
	return err
}
