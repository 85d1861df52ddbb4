package awsbatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehosetypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

type fakeIAM struct {
	mu          sync.Mutex
	roles       map[string]string
	attached    map[string][]string
	inline      map[string]map[string]string
	profiles    map[string][]string
	createRoles int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		roles:    map[string]string{},
		attached: map[string][]string{},
		inline:   map[string]map[string]string{},
		profiles: map[string][]string{},
	}
}

func (f *fakeIAM) CreateRole(ctx context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, apiError("EntityAlreadyExists", fmt.Sprintf("Role with name %s already exists.", name))
	}
	f.createRoles++
	f.roles[name] = "arn:aws:iam::123456789012:role/" + name
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{Arn: aws.String(f.roles[name]), RoleName: in.RoleName}}, nil
}

func (f *fakeIAM) GetRole(ctx context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn, ok := f.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, apiError("NoSuchEntity", "role not found")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn), RoleName: in.RoleName}}, nil
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := aws.ToString(in.RoleName)
	for _, p := range f.attached[role] {
		if p == aws.ToString(in.PolicyArn) {
			return &iam.AttachRolePolicyOutput{}, nil
		}
	}
	f.attached[role] = append(f.attached[role], aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := aws.ToString(in.RoleName)
	if f.inline[role] == nil {
		f.inline[role] = map[string]string{}
	}
	f.inline[role][aws.ToString(in.PolicyName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) CreateInstanceProfile(ctx context.Context, in *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; ok {
		return nil, apiError("EntityAlreadyExists", "Instance Profile already exists.")
	}
	f.profiles[name] = nil
	return &iam.CreateInstanceProfileOutput{InstanceProfile: f.profile(name)}, nil
}

func (f *fakeIAM) GetInstanceProfile(ctx context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; !ok {
		return nil, apiError("NoSuchEntity", "instance profile not found")
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: f.profile(name)}, nil
}

func (f *fakeIAM) AddRoleToInstanceProfile(ctx context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.InstanceProfileName)
	if len(f.profiles[name]) > 0 {
		return nil, apiError("LimitExceeded", "Cannot exceed quota for InstanceSessionsPerInstanceProfile: 1")
	}
	f.profiles[name] = append(f.profiles[name], aws.ToString(in.RoleName))
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (f *fakeIAM) profile(name string) *iamtypes.InstanceProfile {
	p := &iamtypes.InstanceProfile{
		Arn:                 aws.String("arn:aws:iam::123456789012:instance-profile/" + name),
		InstanceProfileName: aws.String(name),
	}
	for _, r := range f.profiles[name] {
		p.Roles = append(p.Roles, iamtypes.Role{RoleName: aws.String(r)})
	}
	return p
}

type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]string // bucket -> location constraint
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, apiError("BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.")
	}
	loc := ""
	if in.CreateBucketConfiguration != nil {
		loc = string(in.CreateBucketConfiguration.LocationConstraint)
	}
	f.buckets[name] = loc
	return &s3.CreateBucketOutput{}, nil
}

type fakeBatch struct {
	mu            sync.Mutex
	ces           map[string]string
	ceInputs      []*batch.CreateComputeEnvironmentInput
	queues        map[string]string
	queueCalls    int
	queueInvalid  int // remaining "not yet valid" failures for CreateJobQueue
	defs          []batchtypes.JobDefinition
	registers     int
	submitInvalid int
	submitted     []*batch.SubmitJobInput
	statuses      []batchtypes.JobStatus // returned in order by DescribeJobs
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{ces: map[string]string{}, queues: map[string]string{}}
}

func (f *fakeBatch) CreateComputeEnvironment(ctx context.Context, in *batch.CreateComputeEnvironmentInput, _ ...func(*batch.Options)) (*batch.CreateComputeEnvironmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.ComputeEnvironmentName)
	if _, ok := f.ces[name]; ok {
		return nil, apiError("ClientException", "Object already exists")
	}
	f.ceInputs = append(f.ceInputs, in)
	f.ces[name] = "arn:aws:batch:us-west-2:123456789012:compute-environment/" + name
	return &batch.CreateComputeEnvironmentOutput{ComputeEnvironmentArn: aws.String(f.ces[name]), ComputeEnvironmentName: in.ComputeEnvironmentName}, nil
}

func (f *fakeBatch) DescribeComputeEnvironments(ctx context.Context, in *batch.DescribeComputeEnvironmentsInput, _ ...func(*batch.Options)) (*batch.DescribeComputeEnvironmentsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &batch.DescribeComputeEnvironmentsOutput{}
	for _, name := range in.ComputeEnvironments {
		if arn, ok := f.ces[name]; ok {
			out.ComputeEnvironments = append(out.ComputeEnvironments, batchtypes.ComputeEnvironmentDetail{
				ComputeEnvironmentName: aws.String(name),
				ComputeEnvironmentArn:  aws.String(arn),
			})
		}
	}
	return out, nil
}

func (f *fakeBatch) CreateJobQueue(ctx context.Context, in *batch.CreateJobQueueInput, _ ...func(*batch.Options)) (*batch.CreateJobQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	if f.queueInvalid > 0 {
		f.queueInvalid--
		return nil, apiError("ClientException", "computeEnvironment computeenvironmentx is not valid")
	}
	name := aws.ToString(in.JobQueueName)
	if _, ok := f.queues[name]; ok {
		return nil, apiError("ClientException", "Object already exists")
	}
	f.queues[name] = "arn:aws:batch:us-west-2:123456789012:job-queue/" + name
	return &batch.CreateJobQueueOutput{JobQueueArn: aws.String(f.queues[name]), JobQueueName: in.JobQueueName}, nil
}

func (f *fakeBatch) DescribeJobQueues(ctx context.Context, in *batch.DescribeJobQueuesInput, _ ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &batch.DescribeJobQueuesOutput{}
	for _, name := range in.JobQueues {
		if arn, ok := f.queues[name]; ok {
			out.JobQueues = append(out.JobQueues, batchtypes.JobQueueDetail{JobQueueName: aws.String(name), JobQueueArn: aws.String(arn)})
		}
	}
	return out, nil
}

func (f *fakeBatch) DescribeJobDefinitions(ctx context.Context, in *batch.DescribeJobDefinitionsInput, _ ...func(*batch.Options)) (*batch.DescribeJobDefinitionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &batch.DescribeJobDefinitionsOutput{}
	for _, d := range f.defs {
		if aws.ToString(d.JobDefinitionName) == aws.ToString(in.JobDefinitionName) && aws.ToString(d.Status) == aws.ToString(in.Status) {
			out.JobDefinitions = append(out.JobDefinitions, d)
		}
	}
	return out, nil
}

func (f *fakeBatch) RegisterJobDefinition(ctx context.Context, in *batch.RegisterJobDefinitionInput, _ ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	rev := int32(len(f.defs) + 1)
	arn := fmt.Sprintf("arn:aws:batch:us-west-2:123456789012:job-definition/%s:%d", aws.ToString(in.JobDefinitionName), rev)
	f.defs = append(f.defs, batchtypes.JobDefinition{
		JobDefinitionName:   in.JobDefinitionName,
		JobDefinitionArn:    aws.String(arn),
		Revision:            aws.Int32(rev),
		Status:              aws.String("ACTIVE"),
		ContainerProperties: in.ContainerProperties,
	})
	return &batch.RegisterJobDefinitionOutput{JobDefinitionArn: aws.String(arn), JobDefinitionName: in.JobDefinitionName, Revision: aws.Int32(rev)}, nil
}

func (f *fakeBatch) SubmitJob(ctx context.Context, in *batch.SubmitJobInput, _ ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitInvalid > 0 {
		f.submitInvalid--
		return nil, apiError("ClientException", "jobQueue job_queue_x is not in VALID state")
	}
	f.submitted = append(f.submitted, in)
	return &batch.SubmitJobOutput{JobId: aws.String("job-1"), JobName: in.JobName}, nil
}

func (f *fakeBatch) DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, _ ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := batchtypes.JobStatusRunning
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return &batch.DescribeJobsOutput{Jobs: []batchtypes.JobDetail{{
		JobId:        aws.String(in.Jobs[0]),
		Status:       status,
		StatusReason: aws.String("Array child tasks failed"),
	}}}, nil
}

type fakeFirehose struct {
	mu       sync.Mutex
	streams  map[string]string
	creating int // Describe reports CREATING this many times
	inputs   []*firehose.CreateDeliveryStreamInput
}

func (f *fakeFirehose) CreateDeliveryStream(ctx context.Context, in *firehose.CreateDeliveryStreamInput, _ ...func(*firehose.Options)) (*firehose.CreateDeliveryStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.DeliveryStreamName)
	if _, ok := f.streams[name]; ok {
		return nil, apiError("ResourceInUseException", "Firehose "+name+" under account already exists.")
	}
	f.inputs = append(f.inputs, in)
	f.streams[name] = "arn:aws:firehose:us-west-2:123456789012:deliverystream/" + name
	return &firehose.CreateDeliveryStreamOutput{DeliveryStreamARN: aws.String(f.streams[name])}, nil
}

func (f *fakeFirehose) DescribeDeliveryStream(ctx context.Context, in *firehose.DescribeDeliveryStreamInput, _ ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.DeliveryStreamName)
	arn, ok := f.streams[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "stream not found")
	}
	status := firehosetypes.DeliveryStreamStatusActive
	if f.creating > 0 {
		f.creating--
		status = firehosetypes.DeliveryStreamStatusCreating
	}
	return &firehose.DescribeDeliveryStreamOutput{DeliveryStreamDescription: &firehosetypes.DeliveryStreamDescription{
		DeliveryStreamName:   in.DeliveryStreamName,
		DeliveryStreamARN:    aws.String(arn),
		DeliveryStreamStatus: status,
	}}, nil
}

type fakes struct {
	iam      *fakeIAM
	s3       *fakeS3
	batch    *fakeBatch
	firehose *fakeFirehose
}

func newFakes() *fakes {
	return &fakes{
		iam:      newFakeIAM(),
		s3:       &fakeS3{buckets: map[string]string{}},
		batch:    newFakeBatch(),
		firehose: &fakeFirehose{streams: map[string]string{}},
	}
}

func (f *fakes) clients() Clients {
	return Clients{IAM: f.iam, S3: f.s3, Batch: f.batch, Firehose: f.firehose}
}
