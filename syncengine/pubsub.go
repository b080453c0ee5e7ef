package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// ResyncPubSubPayload asks for one resync sweep. WorkspaceId narrows the sweep
// to a single tenant; empty means all tenants.
type ResyncPubSubPayload struct {
	WorkspaceId string `json:"workspace_id"`
	Reason      string `json:"reason"`
}

// PubSubPushEnvelope is the wrapper Google wraps around push deliveries.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishResync enqueues a resync request so the sweep runs out-of-band from
// the caller (e.g. right after an OAuth reconnect) instead of on the next
// cron tick.
func PublishResync(ctx context.Context, workspaceId, reason string) error {
	topicName := strings.TrimSpace(os.Getenv("RESYNC_TOPIC"))
	if topicName == "" {
		topicName = "portal-resync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if utils.BoolFromEnv("RESYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := ResyncPubSubPayload{WorkspaceId: workspaceId, Reason: reason}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts push deliveries from the resync subscription.
// Always 204: a non-2xx would make Pub/Sub redeliver, and the sweep is
// idempotent but not free.
func PubSubPushHandler(sweeper *Sweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.BoolFromEnv("ENABLE_RESYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload ResyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}

		if payload.WorkspaceId != "" {
			_ = sweeper.RunFor(c.Request.Context(), payload.WorkspaceId)
		} else {
			_ = sweeper.Run(c.Request.Context())
		}
		c.Status(204)
	}
}
