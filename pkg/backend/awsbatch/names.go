package awsbatch

import "github.com/psantana5/sweepbatch/pkg/runenv"

// Names are the deterministic remote names derived from the job name. They
// make bootstrap idempotent: a rerun finds what a previous run created.
type Names struct {
	ID                     string
	ComputeEnvironment     string
	JobQueue               string
	JobDefinition          string
	ServiceRole            string
	InstanceRole           string
	InstanceProfile        string
	SpotFleetRole          string
	TaskRole               string
	TaskPolicy             string
	FirehoseStream         string
	FirehoseDeliveryRole   string
	FirehoseDeliveryPolicy string
	FirehoseTaskPolicy     string
	Bucket                 string
	ResultBucket           string
	BackupBucket           string
}

// NewNames derives the resource names for jobName and the staging bucket
func NewNames(jobName, bucket string) Names {
	id := runenv.Identifier(jobName)
	return Names{
		ID:                     id,
		ComputeEnvironment:     "computeenvironment" + id,
		JobQueue:               "job_queue_" + id,
		JobDefinition:          id,
		ServiceRole:            "batch_service_role_" + id,
		InstanceRole:           "batch_instance_role_" + id,
		InstanceProfile:        "batch_instance_profile_" + id,
		SpotFleetRole:          "spot_fleet_role_" + id,
		TaskRole:               "ecs_task_role_" + id,
		TaskPolicy:             "ecs_task_policy_" + id,
		FirehoseStream:         id + "_firehose",
		FirehoseDeliveryRole:   id + "_firehose_delivery_role",
		FirehoseDeliveryPolicy: id + "_firehose_delivery_policy",
		FirehoseTaskPolicy:     id + "_firehose_task_policy",
		Bucket:                 bucket,
		ResultBucket:           bucket + "-result",
		BackupBucket:           bucket + "-backups",
	}
}

func bucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}
