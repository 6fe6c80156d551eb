package reconsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/workflow"
	"github.com/sirupsen/logrus"
)

const (
	idempotencyScope   = "reconcile"
	idempotencyHandler = "sync_push"
)

func PublishSyncRun(ctx context.Context, topic string, runId uint) error {
	if config.CreateTopicsOnPublish() {
		if err := config.CreateTopicIfNotExists(ctx, topic); err != nil {
			return err
		}
	}
	_, err := config.PublishJSON(ctx, topic, SyncPubSubPayload{RunId: runId}, map[string]string{
		"run_id": strconv.FormatUint(uint64(runId), 10),
	})
	return err
}

// PubSubPushHandler executes runs delivered by a push subscription. A payload with a run id
// executes that queued run; one without (a scheduler tick) creates a scheduled run first.
// Each message id is processed at most once. Malformed messages are acknowledged and
// dropped; a message another instance is still working on is refused so it is redelivered.
func PubSubPushHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.SyncPushEndpointEnabled() {
			c.Status(http.StatusNoContent)
			return
		}
		log := o.logger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			log.WithFields(logrus.Fields{"field": "pubsub"}).Warn("undecodable push envelope")
			c.Status(http.StatusNoContent)
			return
		}
		var payload SyncPubSubPayload
		if len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
				log.WithFields(logrus.Fields{"field": "pubsub", "message_id": envelope.Message.ID}).Warn("undecodable sync payload")
				c.Status(http.StatusNoContent)
				return
			}
		}
		messageId := strings.TrimSpace(envelope.Message.ID)
		if messageId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		db := o.DB.WithContext(ctx)
		skip, err := workflow.BeginIdempotency(db, idempotencyScope, idempotencyHandler, messageId)
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			c.Status(http.StatusConflict)
			return
		}
		if err != nil {
			config.LogError(log, "reconsync", "PubSubPushHandler", "begin idempotency", messageId, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		runId, err := o.handlePush(ctx, payload)
		if err != nil && !errors.Is(err, ErrRunFinished) {
			config.LogError(log, "reconsync", "PubSubPushHandler", "execute run", payload, err)
			_ = workflow.MarkIdempotencyFailed(db, idempotencyScope, idempotencyHandler, messageId, err)
			c.Status(http.StatusNoContent)
			return
		}
		_ = workflow.MarkIdempotencySucceeded(db, idempotencyScope, idempotencyHandler, messageId, runId)
		c.Status(http.StatusNoContent)
	}
}

func (o *Orchestrator) handlePush(ctx context.Context, payload SyncPubSubPayload) (*uint, error) {
	var run *models.SyncRun
	var err error
	if payload.RunId != 0 {
		run, err = models.GetSyncRun(ctx, o.DB, payload.RunId)
	} else {
		req, perr := TriggerRequest{SyncType: payload.SyncType, From: payload.From, To: payload.To}.toRunRequest()
		if perr != nil {
			return nil, perr
		}
		req.TriggeredBy = models.SyncTriggeredScheduled
		req.Actor = "scheduler"
		run, err = o.NewSyncRun(ctx, req, nil)
	}
	if err != nil {
		return nil, err
	}
	id := run.ID
	_, err = o.Execute(ctx, run, nil)
	return &id, err
}
