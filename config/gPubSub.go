package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	// Topic handles batch publishes in the background; one per name is reused.
	pubsubTopics = map[string]*pubsub.Topic{}
)

// PubSubConfigured reports whether a project id is available; callers skip fan-out otherwise.
func PubSubConfigured() bool {
	return pubSubProjectID() != ""
}

func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// GetClient returns the shared Pub/Sub client, creating it on first use. Credentials come
// from PUBSUB_CREDENTIALS_JSON when set, Application Default Credentials otherwise.
// PUBSUB_CONNECT_ATTEMPTS bounds the retries (default 5).
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	maxAttempts := intFromEnv("PUBSUB_CONNECT_ATTEMPTS", 5)
	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			GetLogger().WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("init pubsub client after %d attempts: %w", attempt, err)
		}
		sleep := min(time.Second*time.Duration(1<<min(attempt, 5)), 30*time.Second)
		GetLogger().WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt, "retry": sleep.String()}).Warn(err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	client, err := GetClient(ctx)
	if err != nil {
		return nil, err
	}
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	t, ok := pubsubTopics[name]
	if !ok {
		t = client.Topic(name)
		pubsubTopics[name] = t
	}
	return t, nil
}

// CreateTopicIfNotExists is for emulators and first-time setup; production topics are
// provisioned outside the service.
func CreateTopicIfNotExists(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("topic is required")
	}
	t, err := topic(ctx, name)
	if err != nil {
		return err
	}
	ok, err := t.Exists(ctx)
	if err != nil || ok {
		return err
	}
	client, err := GetClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.CreateTopic(ctx, name); err != nil {
		return fmt.Errorf("create topic %q: %w", name, err)
	}
	return nil
}

// PublishJSON marshals obj onto topicName and waits for the server-assigned message id.
func PublishJSON(ctx context.Context, topicName string, obj any, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	t, err := topic(ctx, topicName)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// ClosePubSub flushes pending publishes and releases the client.
func ClosePubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	for name, t := range pubsubTopics {
		t.Stop()
		delete(pubsubTopics, name)
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
