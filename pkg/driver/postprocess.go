package driver

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/sink"
)

// ArchiveName is the post-processed output in the results directory
const ArchiveName = "results.json.gz"

// PostProcessor turns delivered records into the run's final output
type PostProcessor interface {
	PostProcess(ctx context.Context) (string, error)
}

// Archive gathers every record from the SQL sinks and the backup directories
// into one gzipped JSON-lines file, one line per unit. It does not aggregate.
type Archive struct {
	ResultsDir string   // scanned for results*.db
	DSN        string   // postgres sink, read when set
	RecordDirs []string // backup and file-sink directories
	Log        logrus.FieldLogger
}

// NewArchive reads from wherever the project's workers deliver
func NewArchive(cfg *project.Config, env *runenv.Env) *Archive {
	a := &Archive{
		ResultsDir: env.ResultsDir(),
		RecordDirs: []string{backupDir(cfg, env)},
		Log:        env.Log,
	}
	sc := sinkConfig(cfg, env, cfg.Backend, 0)
	switch sc.Type {
	case sink.TypePostgres:
		a.DSN = sc.DSN
	case sink.TypeFile:
		a.RecordDirs = append(a.RecordDirs, sc.Path)
	}
	return a
}

// PostProcess writes the archive and returns its path
func (a *Archive) PostProcess(ctx context.Context) (string, error) {
	records := map[string]sink.Record{}
	keep := func(recs []sink.Record) {
		for _, r := range recs {
			if prev, ok := records[r.UnitID]; !ok || r.ProducedAt.After(prev.ProducedAt) {
				records[r.UnitID] = r
			}
		}
	}

	dbs, err := filepath.Glob(filepath.Join(a.ResultsDir, "results*.db"))
	if err != nil {
		return "", err
	}
	for _, db := range dbs {
		w, err := sink.NewSQLiteWriter(db)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", db, err)
		}
		recs, err := w.Records(ctx)
		w.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", db, err)
		}
		keep(recs)
	}

	if a.DSN != "" {
		w, err := sink.NewPostgresWriter(a.DSN)
		if err != nil {
			return "", err
		}
		recs, err := w.Records(ctx)
		w.Close()
		if err != nil {
			return "", fmt.Errorf("read postgres sink: %w", err)
		}
		keep(recs)
	}

	for _, dir := range a.RecordDirs {
		recs, err := sink.ReadRecordDir(dir)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", dir, err)
		}
		keep(recs)
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := filepath.Join(a.ResultsDir, ArchiveName)
	if err := writeArchive(out, ids, records); err != nil {
		return "", err
	}
	if a.Log != nil {
		a.Log.WithFields(logrus.Fields{"records": len(ids), "sources": len(dbs) + len(a.RecordDirs)}).Debug("Archive written")
	}
	return out, nil
}

func writeArchive(path string, ids []string, records map[string]sink.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	for _, id := range ids {
		line, err := records[id].Line()
		if err == nil {
			_, err = gz.Write(line)
		}
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
