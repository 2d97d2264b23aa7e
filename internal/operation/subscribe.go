package operation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// =============================================================================
// EVENT SUBSCRIPTIONS
// =============================================================================

// SubscribeRequest asks for webhook deliveries of one model/trigger pair.
type SubscribeRequest struct {
	Key     connection.Key
	Model   cdm.Model
	Trigger cdm.Trigger

	// URL is where the upstream delivers, typically the gateway's
	// per-connection or global webhook route.
	URL string
}

// Subscribe registers upstream interest and persists the subscription on
// the connection. Undeclared pairs fail with WEBHOOKS_NOT_SUPPORTED before
// any upstream call. Subscribing twice returns the existing subscription,
// renewed upstream when the connector's registrations expire.
func (r *Runner) Subscribe(ctx context.Context, req SubscribeRequest) (*connection.Subscription, error) {
	connector, err := r.events(req.Key, req.Model, req.Trigger)
	if err != nil {
		return nil, err
	}
	if req.URL == "" && !connector.Events.Global {
		return nil, core.Errorf(core.CodeBadRequest, "webhook url is required")
	}

	sess, err := r.authority.Session(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if sub, ok := sess.Connection().Subscription(req.Model, req.Trigger); ok {
		return r.renew(ctx, connector, sess, sub)
	}

	var meta map[string]string
	if connector.Events.Subscribe != nil {
		meta, err = connector.Events.Subscribe(ctx, sess, endpoint.SubscribeRequest{
			Model:   req.Model,
			Trigger: req.Trigger,
			URL:     req.URL,
		})
		if err != nil {
			return nil, err
		}
	}

	created := connection.Subscription{
		ID:            meta["id"],
		Model:         req.Model,
		Trigger:       req.Trigger,
		URL:           req.URL,
		IdentifierKey: sess.Connection().IdentifierKey,
		Metadata:      meta,
		CreatedAt:     time.Now().UTC(),
	}
	if created.ID == "" {
		created.ID = uuid.NewString()
	}

	// A concurrent Subscribe may have stored the pair first; its
	// registration wins and ours is removed upstream.
	var (
		sub  connection.Subscription
		lost bool
	)
	_, err = r.authority.Update(ctx, req.Key, func(c *connection.Connection) error {
		if existing, ok := c.Subscription(req.Model, req.Trigger); ok {
			sub, lost = existing, true
			return nil
		}
		sub, lost = created, false
		c.Subscriptions = append(c.Subscriptions, created)
		return nil
	})
	if err != nil {
		r.discard(ctx, connector, sess, created)
		return nil, err
	}
	if lost {
		r.discard(ctx, connector, sess, created)
		return &sub, nil
	}
	r.logger.Info("subscribed", "connection", req.Key.String(), "model", req.Model, "trigger", req.Trigger, "subscription", sub.ID)
	return &sub, nil
}

// renew extends an existing upstream registration when the connector
// supports it and stores the returned metadata.
func (r *Runner) renew(ctx context.Context, connector *endpoint.Connector, sess *authority.Session, sub connection.Subscription) (*connection.Subscription, error) {
	if connector.Events.Renew == nil {
		return &sub, nil
	}
	meta, err := connector.Events.Renew(ctx, sess, sub)
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return &sub, nil
	}
	key := sess.Connection().Key
	_, err = r.authority.Update(ctx, key, func(c *connection.Connection) error {
		for i := range c.Subscriptions {
			s := &c.Subscriptions[i]
			if s.Model != sub.Model || s.Trigger != sub.Trigger {
				continue
			}
			if s.Metadata == nil {
				s.Metadata = map[string]string{}
			}
			for k, v := range meta {
				s.Metadata[k] = v
			}
			sub = *s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("subscription renewed", "connection", key.String(), "subscription", sub.ID)
	return &sub, nil
}

// discard removes an upstream registration that was never stored. Best
// effort.
func (r *Runner) discard(ctx context.Context, connector *endpoint.Connector, sess *authority.Session, sub connection.Subscription) {
	if connector.Events.Subscribe == nil || connector.Events.Unsubscribe == nil {
		return
	}
	if err := connector.Events.Unsubscribe(ctx, sess, sub); err != nil {
		r.logger.Warn("orphaned upstream subscription", "connection", sess.Connection().Key.String(), "subscription", sub.ID, "error", err)
		return
	}
	r.logger.Info("discarded duplicate subscription", "connection", sess.Connection().Key.String(), "subscription", sub.ID)
}

// Unsubscribe removes a subscription. The upstream removal is best effort;
// connectors without Unsubscribe share one physical subscription across
// connections and only the local record is dropped.
func (r *Runner) Unsubscribe(ctx context.Context, key connection.Key, model cdm.Model, trigger cdm.Trigger) error {
	connector, err := r.events(key, model, trigger)
	if err != nil {
		return err
	}
	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return err
	}
	sub, ok := sess.Connection().Subscription(model, trigger)
	if !ok {
		return core.Errorf(core.CodeResourceNotFound, "no %s.%s subscription on %s", model, trigger, key)
	}

	if connector.Events.Unsubscribe != nil {
		if err := connector.Events.Unsubscribe(ctx, sess, sub); err != nil && !core.IsCode(err, core.CodeResourceNotFound) {
			r.logger.Warn("upstream unsubscribe failed", "connection", key.String(), "subscription", sub.ID, "error", err)
		}
	}

	_, err = r.authority.Update(ctx, key, func(c *connection.Connection) error {
		c.RemoveSubscription(model, trigger)
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("unsubscribed", "connection", key.String(), "model", model, "trigger", trigger)
	return nil
}

func (r *Runner) events(key connection.Key, model cdm.Model, trigger cdm.Trigger) (*endpoint.Connector, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	connector, err := r.authority.Registry().Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}
	if !connector.Events.Supports(model, trigger) {
		return nil, core.Errorf(core.CodeWebhooksNotSupported, "%s has no %s.%s webhook", connector.ID, model, trigger)
	}
	return connector, nil
}
