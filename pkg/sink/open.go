package sink

import (
	"fmt"

	"github.com/psantana5/sweepbatch/pkg/storage"
)

// Sink types
const (
	TypeFirehose = "firehose"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeS3       = "s3"
	TypeFile     = "file"
	TypeMemory   = "memory"
)

// Config selects and configures a writer
type Config struct {
	Type   string
	DSN    string  // postgres
	Path   string  // sqlite database file or file-writer directory
	Stream string  // firehose delivery stream
	Rate   float64 // firehose records per second, 0 = unlimited
}

// Clients are the remote handles some writers need
type Clients struct {
	Firehose FirehoseAPI
	Store    storage.ObjectStore
	Prefix   string
}

// OpenWriter builds the writer named by cfg.Type
func OpenWriter(cfg Config, clients Clients) (Writer, error) {
	switch cfg.Type {
	case TypeFirehose:
		if clients.Firehose == nil {
			return nil, fmt.Errorf("firehose sink needs a firehose client")
		}
		if cfg.Stream == "" {
			return nil, fmt.Errorf("firehose sink needs a stream name")
		}
		return NewFirehoseWriter(clients.Firehose, cfg.Stream, cfg.Rate), nil
	case TypeSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite sink needs a path")
		}
		return NewSQLiteWriter(cfg.Path)
	case TypePostgres:
		return NewPostgresWriter(cfg.DSN)
	case TypeS3:
		if clients.Store == nil {
			return nil, fmt.Errorf("s3 sink needs an object store")
		}
		return NewS3Writer(clients.Store, clients.Prefix), nil
	case TypeFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file sink needs a directory")
		}
		return &FileWriter{Dir: cfg.Path}, nil
	case TypeMemory:
		return NewMemoryWriter(), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
