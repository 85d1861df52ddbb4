package sink

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/retry"
	"github.com/psantana5/sweepbatch/pkg/storage"
)

func testRecord(caseID int, variant *int) Record {
	unit := models.WorkUnit{CaseID: caseID, VariantID: variant}
	return NewRecord(models.SandboxResult{
		Unit:         unit,
		Status:       models.StatusSucceeded,
		Output:       map[string]interface{}{"_id": unit.ID(), "simulationOutputReport.totalSiteEnergyMbtu": 81.5},
		LogReference: "results/" + unit.ID() + "/engine.log",
	})
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

// flakyWriter fails the first n writes, then forwards to next
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     Writer
}

func (f *flakyWriter) Write(ctx context.Context, rec Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("service unavailable")
	}
	return f.next.Write(ctx, rec)
}

func (f *flakyWriter) Close() error { return nil }

func TestDeliverRecoversWithinBudget(t *testing.T) {
	primary := NewMemoryWriter()
	backup := NewMemoryWriter()
	collector := metrics.NewCollector()
	d := &Deliverer{
		Primary: &flakyWriter{failures: 3, next: primary},
		Backup:  backup,
		Retry:   fastRetry(),
		Log:     logging.Discard(),
		Metrics: collector,
	}

	rec := testRecord(1, nil)
	res, err := d.Deliver(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.False(t, res.ToBackup)

	assert.Len(t, primary.Records(), 1)
	assert.Equal(t, 1, primary.Writes())
	assert.Empty(t, backup.Records())
}

func TestDeliverFallsBackToBackup(t *testing.T) {
	backup := NewMemoryWriter()
	d := &Deliverer{
		Primary: &flakyWriter{failures: 100, next: NewMemoryWriter()},
		Backup:  backup,
		Retry:   fastRetry(),
	}

	res, err := d.Deliver(context.Background(), testRecord(2, nil))
	require.NoError(t, err)
	assert.True(t, res.ToBackup)
	require.Len(t, backup.Records(), 1)
	assert.Equal(t, "bldg0000002up00", backup.Records()[0].UnitID)
}

func TestDeliverUndelivered(t *testing.T) {
	d := &Deliverer{
		Primary: &flakyWriter{failures: 100, next: NewMemoryWriter()},
		Backup:  &flakyWriter{failures: 100, next: NewMemoryWriter()},
		Retry:   fastRetry(),
	}
	_, err := d.Deliver(context.Background(), testRecord(3, nil))
	assert.True(t, errors.Is(err, ErrUndelivered))

	d.Backup = nil
	_, err = d.Deliver(context.Background(), testRecord(3, nil))
	assert.True(t, errors.Is(err, ErrUndelivered))
}

func TestSQLiteWriterUpserts(t *testing.T) {
	ctx := context.Background()
	w, err := NewSQLiteWriter(filepath.Join(t.TempDir(), "results", "results.db"))
	require.NoError(t, err)
	defer w.Close()

	v := 0
	first := testRecord(5, &v)
	first.Status = models.StatusFailed
	require.NoError(t, w.Write(ctx, first))

	second := testRecord(5, &v)
	require.NoError(t, w.Write(ctx, second))
	require.NoError(t, w.Write(ctx, testRecord(6, nil)))

	recs, err := w.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "bldg0000005up01", recs[0].UnitID)
	assert.Equal(t, models.StatusSucceeded, recs[0].Status)
	assert.Equal(t, second.DeliveryID, recs[0].DeliveryID)
	require.NotNil(t, recs[0].VariantID)
	assert.Equal(t, 0, *recs[0].VariantID)
	assert.Equal(t, 81.5, recs[0].Data["simulationOutputReport.totalSiteEnergyMbtu"])

	assert.Nil(t, recs[1].VariantID)
	assert.NoError(t, w.HealthCheck(ctx))
}

func TestFileWriterAndReadRecordDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backup")
	w := &FileWriter{Dir: dir}
	rec := testRecord(9, nil)
	require.NoError(t, w.Write(context.Background(), rec))
	require.NoError(t, w.Write(context.Background(), rec))

	recs, err := ReadRecordDir(dir)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.DeliveryID, recs[0].DeliveryID)

	recs, err = ReadRecordDir(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, recs)
}

type fakeFirehose struct {
	stream string
	lines  []string
}

func (f *fakeFirehose) PutRecord(ctx context.Context, in *firehose.PutRecordInput, _ ...func(*firehose.Options)) (*firehose.PutRecordOutput, error) {
	f.stream = *in.DeliveryStreamName
	f.lines = append(f.lines, string(in.Record.Data))
	return &firehose.PutRecordOutput{}, nil
}

func TestFirehoseWriterSendsJSONLines(t *testing.T) {
	fake := &fakeFirehose{}
	w := NewFirehoseWriter(fake, "national_firehose", 0)
	require.NoError(t, w.Write(context.Background(), testRecord(1, nil)))

	assert.Equal(t, "national_firehose", fake.stream)
	require.Len(t, fake.lines, 1)
	assert.True(t, strings.HasSuffix(fake.lines[0], "\n"))
	assert.Contains(t, fake.lines[0], `"unit_id":"bldg0000001up00"`)
}

func TestOpenWriter(t *testing.T) {
	store := &storage.LocalStore{Root: t.TempDir()}

	w, err := OpenWriter(Config{Type: TypeS3}, Clients{Store: store, Prefix: "run1"})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), testRecord(4, nil)))
	_, err = storage.GetBytes(context.Background(), store, RecordKey("run1", "bldg0000004up00"))
	assert.NoError(t, err)

	_, err = OpenWriter(Config{Type: TypeFirehose}, Clients{})
	assert.Error(t, err)
	_, err = OpenWriter(Config{Type: "kafka"}, Clients{})
	assert.Error(t, err)

	w, err = OpenWriter(Config{Type: TypeMemory}, Clients{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryWriter{}, w)
}
