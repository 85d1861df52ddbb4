package awsbatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/psantana5/sweepbatch/pkg/retry"
)

// errNotReady marks a resource that exists but is not usable yet
var errNotReady = errors.New("resource not ready")

// StepError wraps a failed bootstrap step
type StepError struct {
	Step     string // "role", "bucket", "compute_environment", ...
	Resource string
	Class    retry.Class
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap %s %s failed (%s): %v", e.Step, e.Resource, e.Class, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Classify maps AWS API errors onto retry classes. Codes win over messages;
// message matching covers Batch, which reports everything as ClientException.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Fatal
	}
	if errors.Is(err, errNotReady) {
		return retry.Transient
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if retry.IsRetryable(err) {
			return retry.Transient
		}
		return retry.Fatal
	}

	switch apiErr.ErrorCode() {
	case "EntityAlreadyExists", "BucketAlreadyOwnedByYou", "ResourceInUseException":
		return retry.Exists
	case "InvalidArgumentException":
		// Firehose rejects a delivery role that IAM has not propagated yet
		if roleNotPropagated(apiErr.ErrorMessage()) {
			return retry.Transient
		}
		return retry.Fatal
	case "ResourceNotFoundException",
		"Throttling", "ThrottlingException", "TooManyRequestsException", "ServiceUnavailable":
		return retry.Transient
	}

	msg := apiErr.ErrorMessage()
	switch {
	case strings.Contains(msg, "Object already exists"):
		return retry.Exists
	case strings.Contains(msg, "is not valid"), strings.Contains(msg, "not in VALID state"):
		return retry.Transient
	}
	return retry.Fatal
}

func roleNotPropagated(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "role") &&
		(strings.Contains(msg, "assume") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "is not valid"))
}
