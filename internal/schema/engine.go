package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/backydb/backydb/internal/errs"
)

// Engine walks a live MySQL database and emits SQL artifacts per object
// category, and ingests such artifacts back. One Engine owns one connection;
// artifact producers chain on each other so the connection only ever has a
// single producer.
type Engine struct {
	db           *sql.DB
	dbName       string
	queryTimeout time.Duration
	log          zerolog.Logger
}

// ConnectParams carries what the engine needs to reach the server.
type ConnectParams struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	QueryTimeout time.Duration
}

// Connect opens the database connection and verifies it with a ping.
func Connect(ctx context.Context, params ConnectParams, log zerolog.Logger) (*Engine, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", params.Host, params.Port)
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.DBName = params.DBName
	cfg.ParseTime = true
	cfg.MultiStatements = false

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, "schema.connect", err)
	}
	// A single connection per job; the extractor is the only producer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mapMySQLError("schema.connect", err, "")
	}

	eng := NewEngine(db, params.DBName, params.QueryTimeout, log)
	log.Info().Str("database", params.DBName).Msg("connected to mysql")
	return eng, nil
}

// NewEngine wraps an existing connection; used directly by tests.
func NewEngine(db *sql.DB, dbName string, queryTimeout time.Duration, log zerolog.Logger) *Engine {
	if queryTimeout == 0 {
		queryTimeout = 30 * time.Second
	}
	return &Engine{db: db, dbName: dbName, queryTimeout: queryTimeout, log: log}
}

// Close releases the connection.
func (e *Engine) Close() error { return e.db.Close() }

// ServerVersion reports the server version string for the manifest.
func (e *Engine) ServerVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	var version string
	if err := e.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", mapMySQLError("schema.version", err, "")
	}
	return version, nil
}

// MajorVersion extracts the leading major number of a server version string.
func MajorVersion(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0
	}
	return n
}

// Iterator yields artifacts lazily in category-rank order. Artifact content
// streams through a pipe as rows are walked; no category is ever held in
// memory whole, so a large table costs one insert batch at a time.
type Iterator struct {
	engine   *Engine
	multiple bool
	pending  []Category
	prev     <-chan struct{}
	done     bool
}

// Extract returns an iterator over the artifacts selected by features. With
// multipleFiles one artifact per enabled category is produced, named
// "<category>.sql"; otherwise a single "dump.sql" concatenates every enabled
// category in emit order.
func (e *Engine) Extract(features Features, multipleFiles bool) *Iterator {
	return &Iterator{
		engine:   e,
		multiple: multipleFiles,
		pending:  features.Enabled(),
	}
}

// Next produces the next artifact, or (nil, nil) after the last one. The
// returned artifact's Reader is fed by a producer goroutine; extraction
// failures surface as read errors carrying their error kind.
func (it *Iterator) Next(ctx context.Context) (*Artifact, error) {
	if it.done {
		return nil, nil
	}

	if !it.multiple {
		it.done = true
		art, _ := it.engine.streamArtifact(ctx, "dump.sql", it.pending, nil)
		return art, nil
	}

	if len(it.pending) == 0 {
		it.done = true
		return nil, nil
	}
	cat := it.pending[0]
	it.pending = it.pending[1:]
	art, done := it.engine.streamArtifact(ctx, fmt.Sprintf("%s.sql", cat), []Category{cat}, it.prev)
	it.prev = done
	return art, nil
}

// streamArtifact spawns the producer goroutine for one artifact. Each
// producer waits for the previous artifact's producer to finish before
// touching the database, keeping the connection a strict single producer
// even when downstream pipelines fan out.
func (e *Engine) streamArtifact(ctx context.Context, name string, cats []Category, wait <-chan struct{}) (*Artifact, <-chan struct{}) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				pw.CloseWithError(errs.Wrap(errs.Cancelled, "schema.extract", ctx.Err()))
				return
			}
		}
		var err error
		for _, cat := range cats {
			if err = e.writeCategory(ctx, cat, pw); err != nil {
				break
			}
		}
		pw.CloseWithError(err)
	}()
	return &Artifact{Name: name, Categories: cats, Reader: pr}, done
}

// writeCategory dispatches to the per-category dump builder. Extraction
// itself runs unbounded; only individual catalog queries carry the query
// timeout.
func (e *Engine) writeCategory(ctx context.Context, cat Category, w io.Writer) error {
	var err error
	switch cat {
	case Tables:
		err = e.writeTableStatements(ctx, w)
	case Data:
		err = e.writeDataStatements(ctx, w)
	case Views:
		err = e.writeViewStatements(ctx, w)
	case Functions:
		err = e.writeFunctionStatements(ctx, w)
	case Procedures:
		err = e.writeProcedureStatements(ctx, w)
	case Triggers:
		err = e.writeTriggerStatements(ctx, w)
	case Events:
		err = e.writeEventStatements(ctx, w)
	default:
		err = errs.New(errs.Internal, "schema.extract", "unknown category %q", cat)
	}
	if err != nil {
		return err
	}
	e.log.Debug().Str("category", string(cat)).Msg("category extracted")
	return nil
}
