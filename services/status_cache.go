package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pi-docket/ConvertX-CN/models"
)

// StatusCache mirrors each job into a Redis hash at
// {prefix}conversion:status:{id} so other processes can poll status without
// going through the API.
type StatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, prefix string, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *StatusCache) key(jobID string) string {
	return fmt.Sprintf("%sconversion:status:%s", c.prefix, jobID)
}

func (c *StatusCache) RecordJob(ctx context.Context, job models.ConversionJob) error {
	key := c.key(job.ID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, statusFields(job))
		if job.ErrorMessage == "" {
			pipe.HDel(ctx, key, "error")
		}
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	return err
}

func (c *StatusCache) ForgetJob(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, c.key(jobID)).Err()
}

func statusFields(job models.ConversionJob) map[string]interface{} {
	fields := map[string]interface{}{
		"status":     string(job.Status),
		"progress":   strconv.Itoa(job.Progress),
		"owner":      job.Owner,
		"engine":     job.EngineID,
		"updated_at": job.UpdatedAt.Format(time.RFC3339),
	}
	if job.OutputFilename != "" {
		fields["output"] = job.OutputFilename
	}
	if job.ErrorMessage != "" {
		fields["error"] = job.ErrorMessage
	}
	return fields
}
