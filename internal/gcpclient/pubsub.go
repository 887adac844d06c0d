package gcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// PubSubDispatcher wraps a Cloud Pub/Sub topic to implement
// service.SubtopicDispatcher, fanning research subtopics out for
// out-of-process execution (§4.6).
type PubSubDispatcher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubDispatcher creates a PubSubDispatcher bound to topicID.
func NewPubSubDispatcher(ctx context.Context, projectID, topicID string) (*PubSubDispatcher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("gcpclient.NewPubSubDispatcher: %w", err)
	}
	return &PubSubDispatcher{client: client, topic: client.Topic(topicID)}, nil
}

type subtopicMessage struct {
	JobID    string `json:"jobId"`
	Subtopic string `json:"subtopic"`
}

var _ service.SubtopicDispatcher = (*PubSubDispatcher)(nil)

// DispatchSubtopic publishes one subtopic for async fan-out and waits for
// the broker's publish ack, not for the subtopic to actually be processed.
func (d *PubSubDispatcher) DispatchSubtopic(ctx context.Context, jobID, subtopic string) error {
	payload, err := json.Marshal(subtopicMessage{JobID: jobID, Subtopic: subtopic})
	if err != nil {
		return fmt.Errorf("gcpclient.DispatchSubtopic: encode: %w", err)
	}
	result := d.topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("gcpclient.DispatchSubtopic: publish: %w", err)
	}
	return nil
}

// Close releases the underlying Pub/Sub client.
func (d *PubSubDispatcher) Close() {
	d.topic.Stop()
	d.client.Close()
}
