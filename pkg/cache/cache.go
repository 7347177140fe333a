// Package cache invalidates CDN and client caches after a destination's
// signed content changed. Failures are logged, never propagated: serving a
// slightly stale cache beats failing an approval.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
)

// Multi fans an invalidation out to several invalidators.
type Multi []updater.Invalidator

func (m Multi) Invalidate(ctx context.Context, dest resources.Endpoint, timestamp int64) {
	for _, inv := range m {
		inv.Invalidate(ctx, dest, timestamp)
	}
}

// cloudFrontAPI is the slice of the CloudFront client we use.
type cloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// CloudFront invalidates distribution paths covering the changed
// destination. A rate limiter keeps bursts of approvals from piling up
// invalidation requests, which CloudFront bills per path.
type CloudFront struct {
	Client         cloudFrontAPI
	DistributionID string
	// PathTemplates may reference {bucket_id} and {collection_id}.
	PathTemplates []string
	Limiter       *rate.Limiter
	Logger        *slog.Logger
}

// NewCloudFront loads the ambient AWS configuration and builds the
// invalidator. One invalidation per maxEvery interval is allowed.
func NewCloudFront(ctx context.Context, distributionID string, pathTemplates []string, maxEvery time.Duration) (*CloudFront, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: load aws config: %w", err)
	}
	if len(pathTemplates) == 0 {
		pathTemplates = []string{"/v1/buckets/{bucket_id}/collections/{collection_id}/*"}
	}
	return &CloudFront{
		Client:         cloudfront.NewFromConfig(cfg),
		DistributionID: distributionID,
		PathTemplates:  pathTemplates,
		Limiter:        rate.NewLimiter(rate.Every(maxEvery), 1),
		Logger:         slog.Default().With("component", "cache.cloudfront"),
	}, nil
}

func (c *CloudFront) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Invalidate implements updater.Invalidator.
func (c *CloudFront) Invalidate(ctx context.Context, dest resources.Endpoint, timestamp int64) {
	if c.Limiter != nil && !c.Limiter.Allow() {
		c.logger().Debug("invalidation throttled", "destination", dest.URI())
		return
	}

	paths := make([]string, 0, len(c.PathTemplates))
	for _, tpl := range c.PathTemplates {
		p := strings.ReplaceAll(tpl, "{bucket_id}", dest.Bucket)
		p = strings.ReplaceAll(p, "{collection_id}", dest.Collection)
		paths = append(paths, p)
	}

	_, err := c.Client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(c.DistributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(fmt.Sprintf("signoff-%s-%s-%d", dest.Bucket, dest.Collection, timestamp)),
			Paths: &cftypes.Paths{
				Items:    paths,
				Quantity: aws.Int32(int32(len(paths))),
			},
		},
	})
	if err != nil {
		c.logger().Warn("cloudfront invalidation failed",
			"destination", dest.URI(), "distribution", c.DistributionID, "error", err)
		return
	}
	c.logger().Info("cloudfront invalidation created",
		"destination", dest.URI(), "paths", len(paths))
}

// changeNotice is the message published to cache subscribers.
type changeNotice struct {
	BucketID     string `json:"bucket_id"`
	CollectionID string `json:"collection_id"`
	URI          string `json:"uri"`
	Timestamp    int64  `json:"timestamp"`
}

// RedisPublisher notifies cache subscribers of changed destinations over a
// Redis channel, so edge caches can drop their copies immediately.
type RedisPublisher struct {
	Client  redis.UniversalClient
	Channel string
	Logger  *slog.Logger
}

// NewRedisPublisher connects to addr and publishes on channel.
func NewRedisPublisher(addr, channel string) *RedisPublisher {
	return &RedisPublisher{
		Client:  redis.NewClient(&redis.Options{Addr: addr}),
		Channel: channel,
		Logger:  slog.Default().With("component", "cache.redis"),
	}
}

func (p *RedisPublisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Invalidate implements updater.Invalidator.
func (p *RedisPublisher) Invalidate(ctx context.Context, dest resources.Endpoint, timestamp int64) {
	raw, err := json.Marshal(changeNotice{
		BucketID:     dest.Bucket,
		CollectionID: dest.Collection,
		URI:          dest.URI(),
		Timestamp:    timestamp,
	})
	if err != nil {
		p.logger().Warn("cache notice marshaling failed", "error", err)
		return
	}
	if err := p.Client.Publish(ctx, p.Channel, raw).Err(); err != nil {
		p.logger().Warn("cache notice publication failed",
			"destination", dest.URI(), "channel", p.Channel, "error", err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error { return p.Client.Close() }
