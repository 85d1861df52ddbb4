// Package runenv carries the per-run context handed to every component:
// job identity, storage locations, a structured logger, tracing and metrics.
package runenv

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/tracing"
)

// Worker environment variables set by the job definition and the array scheduler
const (
	EnvArrayIndex = "AWS_BATCH_JOB_ARRAY_INDEX"
	EnvBucket     = "S3_BUCKET"
	EnvPrefix     = "S3_PREFIX"
	EnvJobName    = "JOB_NAME"
	EnvRegion     = "REGION"
	EnvJobJSON    = "JOBJSON"
	EnvProject    = "PROJECTFILE"
)

var nonAlnum = regexp.MustCompile(`[^0-9a-zA-Z]+`)

// Identifier turns a free-form job name into a resource-safe identifier
func Identifier(jobName string) string {
	return nonAlnum.ReplaceAllString(jobName, "_")
}

// Env is the explicit run context
type Env struct {
	JobName    string
	Identifier string

	Bucket string // Object storage bucket, empty for purely local runs
	Prefix string // Key prefix under the bucket
	Region string

	OutputDir string // Local durable output root

	Log     logrus.FieldLogger
	Tracer  *tracing.Provider
	Metrics *metrics.Collector
}

// New creates an Env for jobName, filling nil observability handles with no-ops.
func New(jobName string, log logrus.FieldLogger) *Env {
	if log == nil {
		log = logging.Discard()
	}
	return &Env{
		JobName:    jobName,
		Identifier: Identifier(jobName),
		Log:        log.WithField("job", jobName),
		Tracer:     tracing.Noop(),
	}
}

// WithLog returns a shallow copy using a derived logger
func (e *Env) WithLog(log logrus.FieldLogger) *Env {
	cp := *e
	cp.Log = log
	return &cp
}

// Key joins parts under the run's prefix using forward slashes
func (e *Env) Key(parts ...string) string {
	all := append([]string{e.Prefix}, parts...)
	return strings.TrimPrefix(path.Join(all...), "/")
}

// JobKey is the object key of a shard descriptor
func (e *Env) JobKey(shardID int) string {
	return e.Key("jobs", partition.DescriptorName(shardID))
}

// ResultKey is the object key of a raw output file of a unit
func (e *Env) ResultKey(unitID, rel string) string {
	return e.Key("results", unitID, filepath.ToSlash(rel))
}

// ResultsDir is the local directory holding per-unit sandbox directories
func (e *Env) ResultsDir() string {
	return filepath.Join(e.OutputDir, "results")
}

// JobsDir is the local directory holding shard descriptors
func (e *Env) JobsDir() string {
	return filepath.Join(e.OutputDir, "jobs")
}

// WorkerVars are the variables a cloud array worker is started with
type WorkerVars struct {
	ArrayIndex int
	Bucket     string
	Prefix     string
	JobName    string
	Region     string
}

// FromEnviron reads worker variables using getenv (os.Getenv in production)
func FromEnviron(getenv func(string) string) (WorkerVars, error) {
	var missing []string
	get := func(key string) string {
		v := getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	vars := WorkerVars{
		Bucket:  get(EnvBucket),
		Prefix:  getenv(EnvPrefix),
		JobName: get(EnvJobName),
		Region:  get(EnvRegion),
	}
	if len(missing) > 0 {
		return WorkerVars{}, fmt.Errorf("missing worker environment: %s", strings.Join(missing, ", "))
	}

	// a single-shard submission is a plain job without an array index
	rawIndex := getenv(EnvArrayIndex)
	if rawIndex == "" {
		return vars, nil
	}
	idx, err := strconv.Atoi(rawIndex)
	if err != nil || idx < 0 {
		return WorkerVars{}, fmt.Errorf("invalid %s %q", EnvArrayIndex, rawIndex)
	}
	vars.ArrayIndex = idx
	return vars, nil
}
