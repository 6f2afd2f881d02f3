package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/model"
	"github.com/sakif/polyglot-runner/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

const executionColumns = `id, client_id, language, code, dependencies, success, error_kind, error,
	exit_code, timed_out, truncated, stdout, stderr, duration_ms, created_at`

// Create inserts an execution record. An empty ID is filled with a fresh xid,
// a zero CreatedAt with the current time.
func (db *DB) Create(ctx context.Context, e *model.Execution) error {
	if e.ID == "" {
		e.ID = xid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	deps := e.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("sqlite: encoding dependencies: %w", err)
	}

	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ClientID,
		e.Language,
		e.Code,
		string(depsJSON),
		e.Success,
		e.ErrorKind,
		e.Error,
		exitCode,
		e.TimedOut,
		e.Truncated,
		e.Stdout,
		e.Stderr,
		e.DurationMS,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

// GetByID returns one execution or an apperror NotFound.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		id,
	)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return e, nil
}

// List returns executions newest first, optionally for one client only.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	args := make([]any, 0, 3)
	if opts.ClientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, opts.ClientID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	executions := make([]model.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		executions = append(executions, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return executions, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		e        model.Execution
		depsJSON string
		exitCode sql.NullInt64
	)
	err := s.Scan(
		&e.ID, &e.ClientID, &e.Language, &e.Code, &depsJSON,
		&e.Success, &e.ErrorKind, &e.Error, &exitCode,
		&e.TimedOut, &e.Truncated, &e.Stdout, &e.Stderr,
		&e.DurationMS, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &e.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	return &e, nil
}
