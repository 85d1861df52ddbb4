package awsbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/retry"
)

// Submit sends one array job with shardCount children. Child i reads
// descriptor i, located through AWS_BATCH_JOB_ARRAY_INDEX.
func (b *Batch) Submit(ctx context.Context, shardCount int) (*backend.Handle, error) {
	if shardCount < 1 || shardCount > partition.MaxArrayShards {
		return nil, fmt.Errorf("array size %d outside 1..%d", shardCount, partition.MaxArrayShards)
	}

	in := &batch.SubmitJobInput{
		JobName:       aws.String(b.names.ID),
		JobQueue:      aws.String(b.arnOr(b.names.JobQueue)),
		JobDefinition: aws.String(b.arnOr(b.names.JobDefinition)),
	}
	// Batch rejects arrays of one; a plain job has index 0 implicitly
	if shardCount > 1 {
		in.ArrayProperties = &batchtypes.ArrayProperties{Size: aws.Int32(int32(shardCount))}
	}

	var jobID string
	err := retry.Do(ctx, b.retry, func() error {
		out, err := b.clients.Batch.SubmitJob(ctx, in)
		if err != nil {
			return err
		}
		jobID = aws.ToString(out.JobId)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit array job: %w", err)
	}

	b.env.Metrics.ShardsSubmitted(Name, shardCount)
	b.log.WithFields(logrus.Fields{"job_id": jobID, "shards": shardCount}).Info("Array job submitted")
	return backend.NewHandle(Name, []string{jobID}, shardCount, func(ctx context.Context) error {
		return b.wait(ctx, jobID)
	}), nil
}

// wait polls the array job until it reaches SUCCEEDED or FAILED
func (b *Batch) wait(ctx context.Context, jobID string) error {
	interval := b.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last batchtypes.JobStatus
	for {
		out, err := b.clients.Batch.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
		switch {
		case err != nil && Classify(err) != retry.Transient:
			return fmt.Errorf("failed to describe job %s: %w", jobID, err)
		case err != nil:
			b.log.WithError(err).Warn("DescribeJobs failed, will poll again")
		case len(out.Jobs) == 0:
			return fmt.Errorf("job %s not found", jobID)
		default:
			job := out.Jobs[0]
			if job.Status != last {
				fields := logrus.Fields{"job_id": jobID, "status": job.Status}
				if job.ArrayProperties != nil {
					fields["children"] = job.ArrayProperties.StatusSummary
				}
				b.log.WithFields(fields).Info("Array job status")
				last = job.Status
			}
			switch job.Status {
			case batchtypes.JobStatusSucceeded:
				return nil
			case batchtypes.JobStatusFailed:
				return fmt.Errorf("job %s failed: %s", jobID, aws.ToString(job.StatusReason))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
