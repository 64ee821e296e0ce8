package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var recordColumns = []string{
	"id", "timestamp", "session_id", "character_id", "character_name",
	"model_id", "model_name", "provider_id", "provider_label", "operation_type",
	"prompt_tokens", "completion_tokens", "total_tokens", "reasoning_tokens", "image_tokens",
	"prompt_cost", "completion_cost", "total_cost", "success", "error_message",
}

// Repository stores usage records in sqlite. Inserts are serialized; reads
// run concurrently against the WAL.
type Repository struct {
	db      *sql.DB
	logger  zerolog.Logger
	writeMu sync.Mutex
	now     func() time.Time
}

// NewRepository creates a repository on a migrated database.
func NewRepository(db *sql.DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "usage").Logger(),
		now:    time.Now,
	}
}

// Add appends a record and its metadata. A missing ID or timestamp is
// filled in. It returns the stored record.
func (r *Repository) Add(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	if rec.OperationType == "" {
		rec.OperationType = OperationChat
	}
	if !rec.OperationType.Valid() {
		return Record{}, fmt.Errorf("unknown operation type %q", rec.OperationType)
	}

	var promptCost, completionCost, totalCost any
	if rec.Cost != nil {
		promptCost, completionCost, totalCost = rec.Cost.PromptCost, rec.Cost.CompletionCost, rec.Cost.TotalCost
	}
	query := sq.Insert("usage_records").
		Columns(recordColumns...).
		Values(rec.ID, rec.Timestamp.UnixMilli(), rec.SessionID, rec.CharacterID, rec.CharacterName,
			rec.ModelID, rec.ModelName, rec.ProviderID, rec.ProviderLabel, string(rec.OperationType),
			nullInt(rec.PromptTokens), nullInt(rec.CompletionTokens), nullInt(rec.TotalTokens),
			nullInt(rec.ReasoningTokens), nullInt(rec.ImageTokens),
			promptCost, completionCost, totalCost, rec.Success, nullString(rec.ErrorMessage))
	queryStr, args, err := query.ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("build insert query: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return Record{}, fmt.Errorf("insert usage record: %w", err)
	}
	if len(rec.Metadata) > 0 {
		meta := sq.Insert("usage_metadata").Columns("record_id", "key", "value")
		for _, k := range lo.Keys(rec.Metadata) {
			meta = meta.Values(rec.ID, k, rec.Metadata[k])
		}
		metaStr, metaArgs, err := meta.ToSql()
		if err != nil {
			return Record{}, fmt.Errorf("build metadata query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, metaStr, metaArgs...); err != nil {
			return Record{}, fmt.Errorf("insert usage metadata: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit usage record: %w", err)
	}

	r.logger.Debug().
		Str("id", rec.ID).
		Str("provider", rec.ProviderID).
		Str("model", rec.ModelID).
		Bool("success", rec.Success).
		Msg("Recorded usage")
	return rec, nil
}

// Query returns matching records in ascending timestamp order.
func (r *Repository) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := sq.Select(recordColumns...).
		From("usage_records").
		Where(filterWhere(f)).
		OrderBy("timestamp ASC", "id ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	if err := r.loadMetadata(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) loadMetadata(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	index := make(map[string]int, len(records))
	for i, rec := range records {
		index[rec.ID] = i
	}
	for _, ids := range lo.Chunk(lo.Keys(index), 500) {
		queryStr, args, err := sq.Select("record_id", "key", "value").
			From("usage_metadata").
			Where(sq.Eq{"record_id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build metadata query: %w", err)
		}
		rows, err := r.db.QueryContext(ctx, queryStr, args...)
		if err != nil {
			return fmt.Errorf("failed to query usage metadata: %w", err)
		}
		for rows.Next() {
			var id, k, v string
			if err := rows.Scan(&id, &k, &v); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan usage metadata: %w", err)
			}
			rec := &records[index[id]]
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[k] = v
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating usage metadata: %w", err)
		}
	}
	return nil
}

// Aggregate totals matching records overall and per provider, model and
// character.
func (r *Repository) Aggregate(ctx context.Context, f Filter) (Stats, error) {
	where := filterWhere(f)
	stats := Stats{}

	queryStr, args, err := sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
		"COALESCE(SUM(total_tokens), 0)",
		"COALESCE(SUM(total_cost), 0)",
	).From("usage_records").Where(where).ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("build aggregate query: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, queryStr, args...).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.PromptTokens, &stats.CompletionTokens, &stats.TotalTokens, &stats.TotalCost,
	); err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	stats.FailedRequests = stats.TotalRequests - stats.SuccessfulRequests

	if stats.ByProvider, err = r.breakdown(ctx, "provider_id", where); err != nil {
		return Stats{}, err
	}
	if stats.ByModel, err = r.breakdown(ctx, "model_id", where); err != nil {
		return Stats{}, err
	}
	if stats.ByCharacter, err = r.breakdown(ctx, "character_id", where); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (r *Repository) breakdown(ctx context.Context, column string, where sq.Sqlizer) (map[string]Breakdown, error) {
	queryStr, args, err := sq.Select(
		column,
		"COUNT(*)",
		"COALESCE(SUM(total_tokens), 0)",
		"COALESCE(SUM(total_cost), 0)",
	).From("usage_records").Where(where).GroupBy(column).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build breakdown query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s breakdown: %w", column, err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	out := make(map[string]Breakdown)
	for rows.Next() {
		var key string
		var b Breakdown
		if err := rows.Scan(&key, &b.Requests, &b.Tokens, &b.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan %s breakdown: %w", column, err)
		}
		out[key] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s breakdown: %w", column, err)
	}
	return out, nil
}

// ClearBefore deletes records older than before and returns how many were
// removed.
func (r *Repository) ClearBefore(ctx context.Context, before time.Time) (int64, error) {
	queryStr, args, err := sq.Delete("usage_records").
		Where(sq.Lt{"timestamp": before.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	r.logger.Info().Int64("deleted", n).Time("before", before).Msg("Cleared usage records")
	return n, nil
}

func filterWhere(f Filter) sq.Sqlizer {
	var conditions sq.And
	if f.Start != nil {
		conditions = append(conditions, sq.GtOrEq{"timestamp": f.Start.UnixMilli()})
	}
	if f.End != nil {
		conditions = append(conditions, sq.LtOrEq{"timestamp": f.End.UnixMilli()})
	}
	if f.ProviderID != "" {
		conditions = append(conditions, sq.Eq{"provider_id": f.ProviderID})
	}
	if f.ModelID != "" {
		conditions = append(conditions, sq.Eq{"model_id": f.ModelID})
	}
	if f.CharacterID != "" {
		conditions = append(conditions, sq.Eq{"character_id": f.CharacterID})
	}
	if f.SessionID != "" {
		conditions = append(conditions, sq.Eq{"session_id": f.SessionID})
	}
	if f.SuccessOnly {
		conditions = append(conditions, sq.Eq{"success": true})
	}
	if len(conditions) == 0 {
		return sq.Expr("1=1")
	}
	return conditions
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                        Record
		ts                         int64
		op                         string
		prompt, completion, total  sql.NullInt64
		reasoning, image           sql.NullInt64
		promptCost, completionCost sql.NullFloat64
		totalCost                  sql.NullFloat64
		errMsg                     sql.NullString
	)
	if err := s.Scan(&rec.ID, &ts, &rec.SessionID, &rec.CharacterID, &rec.CharacterName,
		&rec.ModelID, &rec.ModelName, &rec.ProviderID, &rec.ProviderLabel, &op,
		&prompt, &completion, &total, &reasoning, &image,
		&promptCost, &completionCost, &totalCost, &rec.Success, &errMsg); err != nil {
		return Record{}, err
	}
	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.OperationType = OperationType(op)
	rec.PromptTokens = intPtr(prompt)
	rec.CompletionTokens = intPtr(completion)
	rec.TotalTokens = intPtr(total)
	rec.ReasoningTokens = intPtr(reasoning)
	rec.ImageTokens = intPtr(image)
	if totalCost.Valid {
		rec.Cost = &Cost{
			PromptCost:     promptCost.Float64,
			CompletionCost: completionCost.Float64,
			TotalCost:      totalCost.Float64,
		}
	}
	rec.ErrorMessage = errMsg.String
	return rec, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
