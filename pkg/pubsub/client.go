// Package pubsub wraps the Pub/Sub v2 client for the intake subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoSubscription    = errors.New("pubsub notification subscription is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

type Client struct {
	ps           *pubsub.Client
	subscription string
	receive      config.PubSubConfig
}

// NewClient connects to the project and fails fast when the intake
// subscription is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, errProjectIDRequired
	}
	subscription := resourceName(project, "subscriptions", cfg.NotificationSubscription)
	if subscription == "" {
		return nil, errNoSubscription
	}

	ps, err := pubsub.NewClient(ctx, project, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	c := &Client{ps: ps, subscription: subscription, receive: cfg}
	if err := c.checkSubscription(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "subscription", subscription), "pubsub client initialized")
	}
	return c, nil
}

// clientOptions prefers inline credentials, then a key file; with neither
// the library falls back to application default credentials.
func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func (c *Client) checkSubscription(ctx context.Context) error {
	_, err := c.ps.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: c.subscription})
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("subscription %s does not exist", c.subscription)
	default:
		return fmt.Errorf("get subscription %s: %w", c.subscription, err)
	}
}

// NotificationSubscription returns the subscriber for intents published by
// other services, with flow control from config.
func (c *Client) NotificationSubscription() *pubsub.Subscriber {
	if c == nil || c.ps == nil {
		return nil
	}
	sub := c.ps.Subscriber(c.subscription)
	if c.receive.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = c.receive.MaxOutstandingMessages
	}
	if c.receive.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = c.receive.NumGoroutines
	}
	return sub
}

// Ping re-reads the subscription metadata.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.ps == nil {
		return errNotInitialized
	}
	return c.checkSubscription(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.ps == nil {
		return nil
	}
	return c.ps.Close()
}

// resourceName expands a short ID into projects/<p>/<collection>/<id>. Full
// resource names pass through unchanged.
func resourceName(projectID, collection, name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+collection+"/"):
		return name
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ""
	}
	return "projects/" + projectID + "/" + collection + "/" + name
}
