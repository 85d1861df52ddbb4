package awsbatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehosetypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/retry"
	"github.com/psantana5/sweepbatch/pkg/runenv"
)

// Firehose buffering limits
const (
	firehoseBufferMB      = 128
	firehoseBufferSeconds = 900
)

// ensureRole creates the role trusted by service and attaches managedPolicy
// when set. Attaching is idempotent, so it runs on reuse as well.
func (b *Batch) ensureRole(ctx context.Context, name, service, managedPolicy string) (models.BackendResource, error) {
	res, err := b.ensure(ctx, "role", name,
		func(ctx context.Context) (string, error) {
			out, err := b.clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
				RoleName:                 aws.String(name),
				AssumeRolePolicyDocument: aws.String(trustPolicy(service)),
				Description:              aws.String(fmt.Sprintf("%s role for sweep %s", service, b.names.ID)),
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.Role.Arn), nil
		},
		func(ctx context.Context) (string, error) {
			out, err := b.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.Role.Arn), nil
		})
	if err != nil || managedPolicy == "" {
		return res, err
	}

	err = retry.Do(ctx, b.retry, func() error {
		_, err := b.clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: aws.String(managedPolicy),
		})
		return err
	})
	if err != nil {
		return res, &StepError{Step: "attach_policy", Resource: name, Class: Classify(err), Err: err}
	}
	return res, nil
}

func (b *Batch) iamPutRolePolicy(ctx context.Context, role, policy, document string) error {
	_, err := b.clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(role),
		PolicyName:     aws.String(policy),
		PolicyDocument: aws.String(document),
	})
	return err
}

// ensureInstanceProfile creates the profile and makes sure it carries the
// instance role, which a crashed earlier run may not have added.
func (b *Batch) ensureInstanceProfile(ctx context.Context) (models.BackendResource, error) {
	n := b.names
	res, err := b.ensure(ctx, "instance_profile", n.InstanceProfile,
		func(ctx context.Context) (string, error) {
			out, err := b.clients.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
				InstanceProfileName: aws.String(n.InstanceProfile),
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.InstanceProfile.Arn), nil
		},
		func(ctx context.Context) (string, error) {
			out, err := b.clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
				InstanceProfileName: aws.String(n.InstanceProfile),
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.InstanceProfile.Arn), nil
		})
	if err != nil {
		return res, err
	}

	err = retry.Do(ctx, b.retry, func() error {
		out, err := b.clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(n.InstanceProfile),
		})
		if err != nil {
			return err
		}
		for _, role := range out.InstanceProfile.Roles {
			if aws.ToString(role.RoleName) == n.InstanceRole {
				return nil
			}
		}
		_, err = b.clients.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(n.InstanceProfile),
			RoleName:            aws.String(n.InstanceRole),
		})
		return err
	})
	if err != nil {
		return res, &StepError{Step: "instance_profile_role", Resource: n.InstanceProfile, Class: Classify(err), Err: err}
	}
	return res, nil
}

func (b *Batch) ensureBucket(ctx context.Context, bucket string) (models.BackendResource, error) {
	create := func(ctx context.Context) (string, error) {
		in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		// us-east-1 rejects an explicit location constraint
		if region := b.bucketRegion(); region != "" && region != "us-east-1" {
			in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(region),
			}
		}
		if _, err := b.clients.S3.CreateBucket(ctx, in); err != nil {
			return "", err
		}
		return bucketARN(bucket), nil
	}
	fetch := func(context.Context) (string, error) {
		return bucketARN(bucket), nil
	}
	return b.ensure(ctx, "bucket", bucket, create, fetch)
}

func (b *Batch) ensureComputeEnvironment(ctx context.Context) (models.BackendResource, error) {
	n := b.names
	a := b.cfg.AWS
	if hasDuplicates(a.Subnets) || hasDuplicates(a.SecurityGroups) {
		err := fmt.Errorf("%w: subnets and security groups must not repeat", project.ErrInvalid)
		return models.BackendResource{Kind: "compute_environment", LogicalName: n.ComputeEnvironment, State: models.ResourceFailed},
			&StepError{Step: "compute_environment", Resource: n.ComputeEnvironment, Class: retry.Fatal, Err: err}
	}

	resources := &batchtypes.ComputeResource{
		Type:             batchtypes.CRTypeEc2,
		MinvCpus:         aws.Int32(0),
		DesiredvCpus:     aws.Int32(0),
		MaxvCpus:         aws.Int32(a.MaxVCPUs),
		InstanceTypes:    []string{"optimal"},
		Subnets:          a.Subnets,
		SecurityGroupIds: a.SecurityGroups,
		InstanceRole:     aws.String(b.arnOr(n.InstanceProfile)),
		Tags:             map[string]string{"sweep": n.ID},
	}
	if a.SpotEnabled() {
		resources.Type = batchtypes.CRTypeSpot
		resources.BidPercentage = aws.Int32(100)
		resources.SpotIamFleetRole = aws.String(b.arnOr(n.SpotFleetRole))
	}

	return b.ensure(ctx, "compute_environment", n.ComputeEnvironment,
		func(ctx context.Context) (string, error) {
			out, err := b.clients.Batch.CreateComputeEnvironment(ctx, &batch.CreateComputeEnvironmentInput{
				ComputeEnvironmentName: aws.String(n.ComputeEnvironment),
				Type:                   batchtypes.CETypeManaged,
				State:                  batchtypes.CEStateEnabled,
				ComputeResources:       resources,
				ServiceRole:            aws.String(b.arnOr(n.ServiceRole)),
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.ComputeEnvironmentArn), nil
		},
		func(ctx context.Context) (string, error) {
			out, err := b.clients.Batch.DescribeComputeEnvironments(ctx, &batch.DescribeComputeEnvironmentsInput{
				ComputeEnvironments: []string{n.ComputeEnvironment},
			})
			if err != nil {
				return "", err
			}
			for _, ce := range out.ComputeEnvironments {
				if aws.ToString(ce.ComputeEnvironmentName) == n.ComputeEnvironment {
					return aws.ToString(ce.ComputeEnvironmentArn), nil
				}
			}
			return "", fmt.Errorf("compute environment %s: %w", n.ComputeEnvironment, errNotReady)
		})
}

func (b *Batch) ensureJobQueue(ctx context.Context) (models.BackendResource, error) {
	n := b.names
	return b.ensure(ctx, "job_queue", n.JobQueue,
		func(ctx context.Context) (string, error) {
			out, err := b.clients.Batch.CreateJobQueue(ctx, &batch.CreateJobQueueInput{
				JobQueueName: aws.String(n.JobQueue),
				State:        batchtypes.JQStateEnabled,
				Priority:     aws.Int32(1),
				ComputeEnvironmentOrder: []batchtypes.ComputeEnvironmentOrder{{
					ComputeEnvironment: aws.String(b.arnOr(n.ComputeEnvironment)),
					Order:              aws.Int32(1),
				}},
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.JobQueueArn), nil
		},
		func(ctx context.Context) (string, error) {
			out, err := b.clients.Batch.DescribeJobQueues(ctx, &batch.DescribeJobQueuesInput{
				JobQueues: []string{n.JobQueue},
			})
			if err != nil {
				return "", err
			}
			for _, q := range out.JobQueues {
				if aws.ToString(q.JobQueueName) == n.JobQueue {
					return aws.ToString(q.JobQueueArn), nil
				}
			}
			return "", fmt.Errorf("job queue %s: %w", n.JobQueue, errNotReady)
		})
}

// ensureJobDefinition reuses an ACTIVE revision running the same image and
// registers a new revision otherwise.
func (b *Batch) ensureJobDefinition(ctx context.Context) (models.BackendResource, error) {
	n := b.names
	image := b.cfg.Sandbox.Image

	return b.ensure(ctx, "job_definition", n.JobDefinition,
		func(ctx context.Context) (string, error) {
			existing, err := b.clients.Batch.DescribeJobDefinitions(ctx, &batch.DescribeJobDefinitionsInput{
				JobDefinitionName: aws.String(n.JobDefinition),
				Status:            aws.String("ACTIVE"),
			})
			if err != nil {
				return "", err
			}
			for _, def := range existing.JobDefinitions {
				if def.ContainerProperties != nil && aws.ToString(def.ContainerProperties.Image) == image {
					b.log.WithField("revision", aws.ToInt32(def.Revision)).Debug("Reusing job definition")
					return aws.ToString(def.JobDefinitionArn), nil
				}
			}

			out, err := b.clients.Batch.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
				JobDefinitionName: aws.String(n.JobDefinition),
				Type:              batchtypes.JobDefinitionTypeContainer,
				ContainerProperties: &batchtypes.ContainerProperties{
					Image:      aws.String(image),
					Vcpus:      aws.Int32(1),
					Memory:     aws.Int32(1024),
					Command:    WorkerCommand,
					JobRoleArn: aws.String(b.arnOr(n.TaskRole)),
					Environment: []batchtypes.KeyValuePair{
						{Name: aws.String(runenv.EnvBucket), Value: aws.String(n.Bucket)},
						{Name: aws.String(runenv.EnvPrefix), Value: aws.String(b.env.Prefix)},
						{Name: aws.String(runenv.EnvJobName), Value: aws.String(b.cfg.JobName)},
						{Name: aws.String(runenv.EnvRegion), Value: aws.String(b.bucketRegion())},
					},
				},
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.JobDefinitionArn), nil
		}, nil)
}

// ensureFirehose creates the DirectPut stream and waits for it to turn ACTIVE
func (b *Batch) ensureFirehose(ctx context.Context) (models.BackendResource, error) {
	n := b.names
	role := aws.String(b.arnOr(n.FirehoseDeliveryRole))
	hints := &firehosetypes.BufferingHints{
		SizeInMBs:         aws.Int32(firehoseBufferMB),
		IntervalInSeconds: aws.Int32(firehoseBufferSeconds),
	}
	var prefix *string
	if b.env.Prefix != "" {
		prefix = aws.String(b.env.Prefix + "/")
	}

	res, err := b.ensure(ctx, "firehose", n.FirehoseStream,
		func(ctx context.Context) (string, error) {
			out, err := b.clients.Firehose.CreateDeliveryStream(ctx, &firehose.CreateDeliveryStreamInput{
				DeliveryStreamName: aws.String(n.FirehoseStream),
				DeliveryStreamType: firehosetypes.DeliveryStreamTypeDirectPut,
				ExtendedS3DestinationConfiguration: &firehosetypes.ExtendedS3DestinationConfiguration{
					RoleARN:           role,
					BucketARN:         aws.String(bucketARN(n.ResultBucket)),
					Prefix:            prefix,
					BufferingHints:    hints,
					CompressionFormat: firehosetypes.CompressionFormatGzip,
					S3BackupMode:      firehosetypes.S3BackupModeEnabled,
					S3BackupConfiguration: &firehosetypes.S3DestinationConfiguration{
						RoleARN:           role,
						BucketARN:         aws.String(bucketARN(n.BackupBucket)),
						Prefix:            prefix,
						BufferingHints:    hints,
						CompressionFormat: firehosetypes.CompressionFormatGzip,
					},
				},
				Tags: []firehosetypes.Tag{{Key: aws.String("sweep"), Value: aws.String(n.ID)}},
			})
			if err != nil {
				return "", err
			}
			return aws.ToString(out.DeliveryStreamARN), nil
		}, nil)
	if err != nil {
		return res, err
	}

	b.log.WithField("stream", n.FirehoseStream).Info("Waiting for delivery stream to become active")
	err = retry.Do(ctx, b.retry, func() error {
		out, err := b.clients.Firehose.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
			DeliveryStreamName: aws.String(n.FirehoseStream),
		})
		if err != nil {
			return err
		}
		desc := out.DeliveryStreamDescription
		if desc == nil || desc.DeliveryStreamStatus != firehosetypes.DeliveryStreamStatusActive {
			return fmt.Errorf("delivery stream %s: %w", n.FirehoseStream, errNotReady)
		}
		res.RemoteID = aws.ToString(desc.DeliveryStreamARN)
		return nil
	})
	if err != nil {
		res.State = models.ResourceFailed
		if errors.Is(err, retry.ErrBudgetExhausted) {
			err = fmt.Errorf("delivery stream never became active: %w", err)
		}
		return res, &StepError{Step: "firehose", Resource: n.FirehoseStream, Class: Classify(err), Err: err}
	}
	return res, nil
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return true
		}
		seen[v] = true
	}
	return false
}
