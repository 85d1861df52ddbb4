// Package sink delivers per-unit result records to durable storage.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/retry"
)

// ErrUndelivered means neither the primary nor the backup accepted a record
var ErrUndelivered = errors.New("record undelivered")

// Record is the result of one work unit. UnitID is the idempotency key.
type Record struct {
	UnitID       string              `json:"unit_id"`
	CaseID       int                 `json:"case_id"`
	VariantID    *int                `json:"variant_id"`
	Status       models.ResultStatus `json:"status"`
	LogReference string              `json:"log_reference,omitempty"`
	Data         map[string]any      `json:"data"`
	DeliveryID   string              `json:"delivery_id"`
	ProducedAt   time.Time           `json:"produced_at"`
}

// NewRecord builds the record of a finished unit with a fresh delivery id
func NewRecord(res models.SandboxResult) Record {
	data := res.Output
	if data == nil {
		data = map[string]any{}
	}
	return Record{
		UnitID:       res.Unit.ID(),
		CaseID:       res.Unit.CaseID,
		VariantID:    res.Unit.VariantID,
		Status:       res.Status,
		LogReference: res.LogReference,
		Data:         data,
		DeliveryID:   uuid.NewString(),
		ProducedAt:   time.Now().UTC(),
	}
}

// Line encodes the record as one newline-terminated JSON document
func (r Record) Line() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Writer persists records. Writing the same UnitID twice must not duplicate it
// from a reader's point of view.
type Writer interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Delivery reports how a record was stored
type Delivery struct {
	Attempts int
	ToBackup bool
}

// Deliverer writes to the primary with retries and falls back to the backup
type Deliverer struct {
	Primary Writer
	Backup  Writer // optional
	Retry   retry.Config
	Log     logrus.FieldLogger
	Metrics *metrics.Collector
}

// DefaultRetry is 3 retries (4 attempts) from 1s backoff capped at 30s
func DefaultRetry() retry.Config {
	return retry.DefaultConfig()
}

// Deliver stores rec at least once
func (d *Deliverer) Deliver(ctx context.Context, rec Record) (Delivery, error) {
	cfg := d.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.Metrics.DeliveryRetry()
		if d.Log != nil {
			d.Log.WithError(err).WithFields(logrus.Fields{
				"unit":    rec.UnitID,
				"attempt": attempt,
				"wait":    wait,
			}).Warn("Sink write failed, retrying")
		}
	}

	out := retry.Run(ctx, cfg, func() error {
		return d.Primary.Write(ctx, rec)
	})
	if out.OK() {
		d.Metrics.Delivery("primary")
		return Delivery{Attempts: out.Attempts}, nil
	}

	if d.Backup == nil {
		d.Metrics.Delivery("undelivered")
		return Delivery{Attempts: out.Attempts}, fmt.Errorf("%w: %s: %w", ErrUndelivered, rec.UnitID, out.Err)
	}
	if d.Log != nil {
		d.Log.WithError(out.Err).WithField("unit", rec.UnitID).Warn("Primary sink failed, writing to backup")
	}
	if err := d.Backup.Write(ctx, rec); err != nil {
		d.Metrics.Delivery("undelivered")
		return Delivery{Attempts: out.Attempts}, fmt.Errorf("%w: %s: primary: %v, backup: %w", ErrUndelivered, rec.UnitID, out.Err, err)
	}
	d.Metrics.Delivery("backup")
	return Delivery{Attempts: out.Attempts, ToBackup: true}, nil
}

// Close closes both writers
func (d *Deliverer) Close() error {
	var errs []error
	if d.Primary != nil {
		errs = append(errs, d.Primary.Close())
	}
	if d.Backup != nil {
		errs = append(errs, d.Backup.Close())
	}
	return errors.Join(errs...)
}
