package awsbatch

import (
	"encoding/json"
	"fmt"
)

// Managed policies attached to the generated roles
const (
	batchServicePolicyARN  = "arn:aws:iam::aws:policy/service-role/AWSBatchServiceRole"
	ecsInstancePolicyARN   = "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"
	spotFleetTaggingPolicy = "arn:aws:iam::aws:policy/service-role/AmazonEC2SpotFleetTaggingRole"
)

type policyDocument struct {
	Version   string      `json:"Version"`
	Statement []statement `json:"Statement"`
}

type statement struct {
	Sid       string            `json:"Sid,omitempty"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource,omitempty"`
}

func (d policyDocument) String() string {
	data, _ := json.Marshal(d)
	return string(data)
}

// trustPolicy lets service assume the role
func trustPolicy(service string) string {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []statement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": service},
			Action:    []string{"sts:AssumeRole"},
		}},
	}.String()
}

// taskPolicy gives shard containers read/write access to the staging bucket
func taskPolicy(bucket string) string {
	arn := bucketARN(bucket)
	return policyDocument{
		Version: "2012-10-17",
		Statement: []statement{
			{
				Sid:    "StagingBucket",
				Effect: "Allow",
				Action: []string{
					"s3:GetObject",
					"s3:PutObject",
					"s3:DeleteObject",
					"s3:ListBucket",
					"s3:GetBucketLocation",
					"s3:AbortMultipartUpload",
					"s3:ListMultipartUploadParts",
				},
				Resource: []string{arn, arn + "/*"},
			},
			{
				Sid:      "ListBuckets",
				Effect:   "Allow",
				Action:   []string{"s3:ListAllMyBuckets"},
				Resource: []string{"*"},
			},
		},
	}.String()
}

// deliveryPolicy lets the stream write to the result and backup buckets
func deliveryPolicy(n Names, region string) string {
	result, backup := bucketARN(n.ResultBucket), bucketARN(n.BackupBucket)
	return policyDocument{
		Version: "2012-10-17",
		Statement: []statement{
			{
				Sid:    "S3AllowForFirehose",
				Effect: "Allow",
				Action: []string{
					"s3:AbortMultipartUpload",
					"s3:GetBucketLocation",
					"s3:GetObject",
					"s3:ListBucket",
					"s3:ListBucketMultipartUploads",
					"s3:PutObject",
				},
				Resource: []string{result, result + "/*", backup, backup + "/*"},
			},
			{
				Sid:      "LogsAllowForFirehose",
				Effect:   "Allow",
				Action:   []string{"logs:PutLogEvents"},
				Resource: []string{fmt.Sprintf("arn:aws:logs:%s:*:log-group:/aws/kinesisfirehose/%s:*:*", region, n.FirehoseStream)},
			},
		},
	}.String()
}

// putRecordPolicy lets shard containers write to the stream
func putRecordPolicy(streamARN string) string {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []statement{{
			Sid:      "TaskFirehose",
			Effect:   "Allow",
			Action:   []string{"firehose:PutRecord", "firehose:PutRecordBatch"},
			Resource: []string{streamARN},
		}},
	}.String()
}
