// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package buildlog records run and job outcomes in a SQLite database.
//
// The log is append-only history:
// rows are inserted when jobs reach a terminal state and never updated.
// It also answers the skip-cache query,
// which looks for a previous successful build with the same inputs.
package buildlog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/buildgraph"
	"kiln.build/pkg/internal/filestore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// A Store is a handle to the build log database.
type Store struct {
	db *sqlitemigration.Pool
}

// Open opens (creating and migrating if needed) the build log at dbPath.
// Callers are responsible for calling [Store.Close].
func Open(dbPath string) *Store {
	return &Store{
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Build log migration: %v", err)
			},
		}),
	}
}

// Close releases the store's database connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run and returns its row key.
func (s *Store) BeginRun(ctx context.Context, runID string, targets []catalog.ID, started time.Time) (int64, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("record run %s: %w", runID, err)
	}
	defer s.db.Put(conn)

	targetNames := make([]string, len(targets))
	for i, id := range targets {
		targetNames[i] = id.String()
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "run_insert.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":uuid":       runID,
			":targets":    strings.Join(targetNames, " "),
			":started_at": started.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("record run %s: %v", runID, err)
	}
	return conn.LastInsertRowID(), nil
}

// FinishRun records the end time of a run.
func (s *Store) FinishRun(ctx context.Context, runKey int64, ended time.Time) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	defer s.db.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "run_finish.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":run_id":   runKey,
			":ended_at": ended.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("finish run: %v", err)
	}
	return nil
}

// RecordJob appends a terminal job's outcome,
// its per-phase results, and its published artifacts.
func (s *Store) RecordJob(ctx context.Context, runKey int64, job *buildgraph.Job, inputHash string, artifacts []filestore.Artifact) (err error) {
	id := job.ID()
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("record job %v: %w", id, err)
	}
	defer s.db.Put(conn)
	defer sqlitex.Save(conn)(&err)

	named := map[string]any{
		":run_id":     runKey,
		":package":    string(id.Name),
		":version":    string(id.Version),
		":image":      job.Spec.Image,
		":input_hash": inputHash,
		":state":      job.State().String(),
		":endpoint":   nil,
		":error":      nil,
		":skip_cause": nil,
		":cache_hit":  job.CacheHit,
		":started_at": nil,
		":ended_at":   nil,
	}
	if job.Endpoint != "" {
		named[":endpoint"] = job.Endpoint
	}
	if job.Err != nil {
		named[":error"] = job.Err.Error()
	}
	if job.SkipCause != (catalog.ID{}) {
		named[":skip_cause"] = job.SkipCause.String()
	}
	if !job.Started.IsZero() {
		named[":started_at"] = job.Started.UnixMilli()
	}
	if !job.Ended.IsZero() {
		named[":ended_at"] = job.Ended.UnixMilli()
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "job_insert.sql", &sqlitex.ExecOptions{Named: named})
	if err != nil {
		return fmt.Errorf("record job %v: %v", id, err)
	}
	jobKey := conn.LastInsertRowID()

	for i, pe := range job.Phases {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "phase_insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":job_id":     jobKey,
				":ordinal":    i,
				":phase":      string(pe.Phase),
				":endpoint":   pe.Endpoint,
				":exit_code":  pe.ExitCode,
				":output":     pe.Output,
				":started_at": pe.Started.UnixMilli(),
				":ended_at":   pe.Ended.UnixMilli(),
			},
		})
		if err != nil {
			return fmt.Errorf("record job %v: phase %s: %v", id, pe.Phase, err)
		}
	}

	for _, a := range artifacts {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "artifact_insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":job_id": jobKey,
				":name":   a.Name,
				":size":   a.Size,
				":digest": a.Digest,
			},
		})
		if err != nil {
			return fmt.Errorf("record job %v: artifact %s: %v", id, a.Name, err)
		}
	}
	return nil
}

// A CachedBuild is a previous successful build found by [Store.FindCachedBuild].
type CachedBuild struct {
	RunID     string
	Ended     time.Time
	Artifacts []filestore.Artifact
}

// FindCachedBuild looks for the most recent successful build of pkg
// with the same input hash.
// It returns nil (and no error) when there is no such build.
func (s *Store) FindCachedBuild(ctx context.Context, pkg catalog.ID, inputHash string) (*CachedBuild, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("find cached build of %v: %w", pkg, err)
	}
	defer s.db.Put(conn)

	var cached *CachedBuild
	var jobKey int64
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "find_cached.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":package":    string(pkg.Name),
			":version":    string(pkg.Version),
			":input_hash": inputHash,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			jobKey = stmt.GetInt64("job_id")
			cached = &CachedBuild{
				RunID: stmt.GetText("run_uuid"),
				Ended: time.UnixMilli(stmt.GetInt64("ended_at")).UTC(),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find cached build of %v: %v", pkg, err)
	}
	if cached == nil {
		return nil, nil
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "job_artifacts.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":job_id": jobKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cached.Artifacts = append(cached.Artifacts, filestore.Artifact{
				Name:   stmt.GetText("name"),
				Size:   stmt.GetInt64("size"),
				Digest: stmt.GetText("digest"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find cached build of %v: %v", pkg, err)
	}
	return cached, nil
}

// A RunSummary is one row of [Store.RecentRuns].
type RunSummary struct {
	ID        string
	Targets   []string
	Started   time.Time
	Ended     time.Time
	Succeeded int
	Failed    int
	NotRun    int
}

// RecentRuns returns up to n runs, most recent first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]RunSummary, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer s.db.Put(conn)

	var runs []RunSummary
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "recent_runs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":n": n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			summary := RunSummary{
				ID:        stmt.GetText("uuid"),
				Started:   time.UnixMilli(stmt.GetInt64("started_at")).UTC(),
				Succeeded: int(stmt.GetInt64("succeeded")),
				Failed:    int(stmt.GetInt64("failed")),
				NotRun:    int(stmt.GetInt64("not_run")),
			}
			if targets := stmt.GetText("targets"); targets != "" {
				summary.Targets = strings.Fields(targets)
			}
			if stmt.ColumnType(stmt.ColumnIndex("ended_at")) == sqlite.TypeInteger {
				summary.Ended = time.UnixMilli(stmt.GetInt64("ended_at")).UTC()
			}
			runs = append(runs, summary)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %v", err)
	}
	return runs, nil
}

// A JobRecord is one row of [Store.RunJobs].
type JobRecord struct {
	Package   catalog.ID
	State     string
	Endpoint  string
	Error     string
	SkipCause string
	CacheHit  bool
	Started   time.Time
	Ended     time.Time
}

// RunJobs returns the recorded jobs of the identified run
// in package identity order.
func (s *Store) RunJobs(ctx context.Context, runID string) ([]JobRecord, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs of run %s: %w", runID, err)
	}
	defer s.db.Put(conn)

	var jobs []JobRecord
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "run_jobs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":uuid": runID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec := JobRecord{
				Package: catalog.ID{
					Name:    catalog.Name(stmt.GetText("package")),
					Version: catalog.Version(stmt.GetText("version")),
				},
				State:     stmt.GetText("state"),
				Endpoint:  stmt.GetText("endpoint"),
				Error:     stmt.GetText("error"),
				SkipCause: stmt.GetText("skip_cause"),
				CacheHit:  stmt.GetBool("cache_hit"),
			}
			if stmt.ColumnType(stmt.ColumnIndex("started_at")) == sqlite.TypeInteger {
				rec.Started = time.UnixMilli(stmt.GetInt64("started_at")).UTC()
			}
			if stmt.ColumnType(stmt.ColumnIndex("ended_at")) == sqlite.TypeInteger {
				rec.Ended = time.UnixMilli(stmt.GetInt64("ended_at")).UTC()
			}
			jobs = append(jobs, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs of run %s: %v", runID, err)
	}
	return jobs, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
