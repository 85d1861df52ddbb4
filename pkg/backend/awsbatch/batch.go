// Package awsbatch runs shards as an AWS Batch array job. Bootstrap
// provisions roles, buckets, compute environment, queue, job definition and
// the Firehose result stream, reusing whatever a previous run left behind.
package awsbatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/retry"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/tracing"
)

// Name is the registry name of the AWS backend
const Name = "aws"

// WorkerCommand is what every array child runs
var WorkerCommand = []string{"sweepbatch", "worker", "--backend", Name}

// DefaultPollInterval between DescribeJobs calls while waiting
const DefaultPollInterval = 30 * time.Second

// Batch is the cloud array-job backend
type Batch struct {
	cfg     *project.Config
	env     *runenv.Env
	clients Clients
	names   Names
	retry   retry.Config
	log     logrus.FieldLogger

	PollInterval time.Duration

	mu   sync.Mutex
	arns map[string]string
}

// New creates the backend. Nothing is called until Bootstrap.
func New(cfg *project.Config, env *runenv.Env, clients Clients) *Batch {
	log := env.Log.WithField("backend", Name)
	rc := retry.Fixed(cfg.AWS.RetryDelay.Duration, cfg.AWS.RetryBudget).WithClassifier(Classify)
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("AWS resource not ready, retrying")
	}
	return &Batch{
		cfg:          cfg,
		env:          env,
		clients:      clients,
		names:        NewNames(cfg.JobName, cfg.AWS.S3.Bucket),
		retry:        rc,
		log:          log,
		PollInterval: DefaultPollInterval,
		arns:         make(map[string]string),
	}
}

func (b *Batch) Name() string { return Name }

// Names returns the remote resource names
func (b *Batch) Names() Names { return b.names }

func (b *Batch) Capacity() backend.Capacity {
	n := b.cfg.AWS.BatchArraySize
	if n > partition.MaxArrayShards {
		n = partition.MaxArrayShards
	}
	return backend.Capacity{
		MaxShards:        n,
		MinUnitsPerShard: 2,
		TargetShards:     n,
	}
}

// Bootstrap creates or fetches every resource the array job needs, in
// dependency order. Running it twice returns the same identifiers.
func (b *Batch) Bootstrap(ctx context.Context) ([]models.BackendResource, error) {
	ctx, span := b.env.Tracer.StartSpan(ctx, "aws.bootstrap", tracing.AttrJob.String(b.names.ID))
	resources, err := b.bootstrap(ctx)
	tracing.End(span, err)
	return resources, err
}

func (b *Batch) bootstrap(ctx context.Context) ([]models.BackendResource, error) {
	var resources []models.BackendResource
	add := func(r models.BackendResource, err error) error {
		if err != nil {
			return err
		}
		resources = append(resources, r)
		b.mu.Lock()
		b.arns[r.LogicalName] = r.RemoteID
		b.mu.Unlock()
		return nil
	}
	n := b.names

	// Roles
	if err := add(b.ensureRole(ctx, n.ServiceRole, "batch.amazonaws.com", batchServicePolicyARN)); err != nil {
		return resources, err
	}
	if err := add(b.ensureRole(ctx, n.InstanceRole, "ec2.amazonaws.com", ecsInstancePolicyARN)); err != nil {
		return resources, err
	}
	if err := add(b.ensureInstanceProfile(ctx)); err != nil {
		return resources, err
	}
	if err := add(b.ensureRole(ctx, n.TaskRole, "ecs-tasks.amazonaws.com", "")); err != nil {
		return resources, err
	}
	if err := b.putPolicy(ctx, n.TaskRole, n.TaskPolicy, taskPolicy(n.Bucket)); err != nil {
		return resources, err
	}
	if b.cfg.AWS.SpotEnabled() {
		if err := add(b.ensureRole(ctx, n.SpotFleetRole, "spotfleet.amazonaws.com", spotFleetTaggingPolicy)); err != nil {
			return resources, err
		}
	}
	if err := add(b.ensureRole(ctx, n.FirehoseDeliveryRole, "firehose.amazonaws.com", "")); err != nil {
		return resources, err
	}
	if err := b.putPolicy(ctx, n.FirehoseDeliveryRole, n.FirehoseDeliveryPolicy, deliveryPolicy(n, b.cfg.AWS.Region)); err != nil {
		return resources, err
	}

	// Buckets
	for _, bucket := range []string{n.ResultBucket, n.BackupBucket} {
		if err := add(b.ensureBucket(ctx, bucket)); err != nil {
			return resources, err
		}
	}

	// Compute
	if err := add(b.ensureComputeEnvironment(ctx)); err != nil {
		return resources, err
	}
	if err := add(b.ensureJobQueue(ctx)); err != nil {
		return resources, err
	}
	if err := add(b.ensureJobDefinition(ctx)); err != nil {
		return resources, err
	}

	// Result stream, then permission to write to it
	if err := add(b.ensureFirehose(ctx)); err != nil {
		return resources, err
	}
	if err := b.putPolicy(ctx, n.TaskRole, n.FirehoseTaskPolicy, putRecordPolicy(b.arn(n.FirehoseStream))); err != nil {
		return resources, err
	}

	b.log.WithField("resources", len(resources)).Info("AWS bootstrap complete")
	return resources, nil
}

// ensure runs create under the retry budget. When create reports the
// resource already exists, fetch looks up its identifier instead.
func (b *Batch) ensure(ctx context.Context, kind, name string, create, fetch func(ctx context.Context) (string, error)) (models.BackendResource, error) {
	res := models.BackendResource{Kind: kind, LogicalName: name, State: models.ResourceCreating}
	log := b.log.WithFields(logrus.Fields{"kind": kind, "resource": name})
	ctx, span := b.env.Tracer.StartSpan(ctx, "aws.ensure."+kind, tracing.AttrResource.String(name))

	var remote string
	out := retry.Run(ctx, b.retry, func() error {
		id, err := create(ctx)
		if err == nil {
			remote = id
		}
		return err
	})

	outcome := "created"
	err := out.Err
	if err == nil && out.Exists {
		outcome = "exists"
		if fetch != nil {
			err = retry.Do(ctx, b.retry, func() error {
				id, ferr := fetch(ctx)
				if ferr == nil {
					remote = id
				}
				return ferr
			})
		}
	}
	if err != nil {
		res.State = models.ResourceFailed
		b.env.Metrics.BootstrapStep(kind, "failed")
		stepErr := &StepError{Step: kind, Resource: name, Class: Classify(err), Err: err}
		tracing.End(span, stepErr)
		log.WithError(err).Error("Bootstrap step failed")
		return res, stepErr
	}

	res.RemoteID = remote
	res.State = models.ResourceActive
	b.env.Metrics.BootstrapStep(kind, outcome)
	tracing.End(span, nil)
	log.WithFields(logrus.Fields{"outcome": outcome, "remote_id": remote}).Info("Bootstrap step done")
	return res, nil
}

func (b *Batch) arn(logicalName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arns[logicalName]
}

// arnOr returns the bootstrapped ARN, or the name when bootstrap has not run
// in this process; the Batch API accepts both.
func (b *Batch) arnOr(logicalName string) string {
	if arn := b.arn(logicalName); arn != "" {
		return arn
	}
	return logicalName
}

func (b *Batch) putPolicy(ctx context.Context, role, policy, document string) error {
	err := retry.Do(ctx, b.retry, func() error {
		return b.iamPutRolePolicy(ctx, role, policy, document)
	})
	if err != nil {
		b.env.Metrics.BootstrapStep("role_policy", "failed")
		return &StepError{Step: "role_policy", Resource: policy, Class: Classify(err), Err: err}
	}
	b.env.Metrics.BootstrapStep("role_policy", "created")
	return nil
}

func (b *Batch) bucketRegion() string {
	if b.cfg.AWS.Region == "" {
		return b.env.Region
	}
	return b.cfg.AWS.Region
}
