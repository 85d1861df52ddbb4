package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"golang.org/x/time/rate"

	"github.com/psantana5/sweepbatch/pkg/storage"
)

// FirehoseAPI is the subset of the Firehose client used for delivery
type FirehoseAPI interface {
	PutRecord(ctx context.Context, params *firehose.PutRecordInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordOutput, error)
}

// FirehoseWriter sends each record as a JSON line to a delivery stream
type FirehoseWriter struct {
	client  FirehoseAPI
	stream  string
	limiter *rate.Limiter
}

// NewFirehoseWriter creates a writer; perSecond <= 0 disables throttling
func NewFirehoseWriter(client FirehoseAPI, stream string, perSecond float64) *FirehoseWriter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &FirehoseWriter{client: client, stream: stream, limiter: rate.NewLimiter(limit, 1)}
}

func (w *FirehoseWriter) Write(ctx context.Context, rec Record) error {
	line, err := rec.Line()
	if err != nil {
		return err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = w.client.PutRecord(ctx, &firehose.PutRecordInput{
		DeliveryStreamName: aws.String(w.stream),
		Record:             &types.Record{Data: line},
	})
	if err != nil {
		return fmt.Errorf("firehose put to %s failed: %w", w.stream, err)
	}
	return nil
}

func (w *FirehoseWriter) Close() error { return nil }

// S3Writer stores one object per unit under <prefix>/results/records
type S3Writer struct {
	store  storage.ObjectStore
	prefix string
}

// NewS3Writer creates a writer over an object store
func NewS3Writer(store storage.ObjectStore, prefix string) *S3Writer {
	return &S3Writer{store: store, prefix: prefix}
}

// RecordKey is the object key of a unit's record
func RecordKey(prefix, unitID string) string {
	return path.Join(prefix, "results", "records", unitID+".json")
}

func (w *S3Writer) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return storage.PutBytes(ctx, w.store, RecordKey(w.prefix, rec.UnitID), data)
}

func (w *S3Writer) Close() error { return nil }

// FileWriter keeps one JSON file per unit in Dir. Rewrites replace the file.
type FileWriter struct {
	Dir string
}

func (w *FileWriter) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(w.Dir, rec.UnitID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (w *FileWriter) Close() error { return nil }

// ReadRecordDir loads every record file in dir. A missing dir yields no records.
func ReadRecordDir(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MemoryWriter keeps records in memory, keyed by unit id
type MemoryWriter struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

// NewMemoryWriter creates an empty in-memory sink
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{records: map[string]Record{}}
}

func (w *MemoryWriter) Write(ctx context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[rec.UnitID] = rec
	w.writes++
	return nil
}

// Records returns stored records sorted by unit id
func (w *MemoryWriter) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// Writes returns the number of Write calls accepted
func (w *MemoryWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func (w *MemoryWriter) Close() error { return nil }
