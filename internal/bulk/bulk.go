// Package bulk реализует пакетные операции над хранилищем данных
// с построчным fallback.
//
// Быстрый путь - один пакетный вызов (pgx.Batch в транзакции или
// RPC-функция в БД). Если он недоступен или упал с временной ошибкой,
// операция явно переходит во вторую ветку: построчные запросы,
// где "уже существует" подавляется и считается дубликатом.
// Такая деградация не считается ошибкой шага: она логируется на WARN
// и учитывается в метрике harvester_bulk_fallbacks_total.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// Имена операций (для логов, метрик и OpError.Op).
const (
	OpUpsert = "bulk_upsert"
	OpMerge  = "bulk_merge"
)

// UpsertResult - итог BulkUpsert.
type UpsertResult struct {
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Degraded   bool  `json:"degraded"`
}

// MergeResult - итог BulkMerge. Ключи карт - имена дочерних таблиц.
type MergeResult struct {
	Moved           map[string]int64 `json:"moved"`
	DuplicateCounts map[string]int64 `json:"duplicates"`
	Degraded        bool             `json:"degraded"`
}

// Facade - точка входа для шагов, работающих с данными.
type Facade struct {
	db     repo.DB
	logger *slog.Logger
}

// Config - конфигурация Facade.
type Config struct {
	DB     repo.DB
	Logger *slog.Logger
}

// New создаёт новый Facade.
func New(cfg Config) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{db: cfg.DB, logger: logger}
}

// BulkUpsert вставляет строки с семантикой insert-or-ignore по
// естественному ключу spec.ConflictColumns.
//
// Каждая строка - значения в порядке spec.Columns.
func (f *Facade) BulkUpsert(ctx context.Context, spec TableSpec, rows [][]any) (UpsertResult, error) {
	if err := spec.Validate(); err != nil {
		return UpsertResult{}, &OpError{Op: OpUpsert, Kind: KindFatal, Err: err}
	}
	for i, row := range rows {
		if len(row) != len(spec.Columns) {
			return UpsertResult{}, &OpError{Op: OpUpsert, Kind: KindFatal,
				Err: fmt.Errorf("%w: row %d has %d values, want %d", ErrInvalidSpec, i, len(row), len(spec.Columns))}
		}
	}
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}

	// 1. Быстрый путь
	inserted, err := f.upsertBatch(ctx, spec, rows)
	if err == nil {
		return UpsertResult{Inserted: inserted, Duplicates: int64(len(rows)) - inserted}, nil
	}

	opErr := opError(OpUpsert, err)
	if !shouldFallback(opErr.Kind) {
		return UpsertResult{}, opErr
	}

	// 2. Построчный fallback
	f.degraded(ctx, OpUpsert, spec.Table, opErr)
	res, err := f.upsertRows(ctx, spec, rows)
	if err != nil {
		return UpsertResult{}, err
	}
	res.Degraded = true
	return res, nil
}

// upsertBatch отправляет все строки одним pgx.Batch в транзакции.
func (f *Facade) upsertBatch(ctx context.Context, spec TableSpec, rows [][]any) (int64, error) {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sql := spec.insertSQL(true)
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(sql, row...)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("batch insert into %s: %w", spec.Table, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return inserted, nil
}

// upsertRows вставляет строки по одной обычным INSERT.
// Нарушение уникальности (23505) считается дубликатом.
// Без общей транзакции: ошибка одной строки не откатывает остальные.
func (f *Facade) upsertRows(ctx context.Context, spec TableSpec, rows [][]any) (UpsertResult, error) {
	sql := spec.insertSQL(false)

	var res UpsertResult
	for i, row := range rows {
		if _, err := f.db.Exec(ctx, sql, row...); err != nil {
			if Classify(err) == KindConflict {
				res.Duplicates++
				continue
			}
			return res, &OpError{Op: OpUpsert, Kind: Classify(err),
				Err: fmt.Errorf("row %d into %s: %w", i, spec.Table, err)}
		}
		res.Inserted++
	}
	return res, nil
}

// BulkMerge переносит все дочерние ссылки с duplicateID на primaryID
// и удаляет дубликат. Выполняется атомарно.
func (f *Facade) BulkMerge(ctx context.Context, spec MergeSpec, primaryID, duplicateID int64) (MergeResult, error) {
	if err := spec.Validate(); err != nil {
		return MergeResult{}, &OpError{Op: OpMerge, Kind: KindFatal, Err: err}
	}
	if primaryID == duplicateID {
		return MergeResult{}, &OpError{Op: OpMerge, Kind: KindFatal,
			Err: fmt.Errorf("%w: cannot merge %s %d into itself", ErrInvalidSpec, spec.Entity, primaryID)}
	}

	// 1. Быстрый путь: RPC в БД
	res, err := f.mergeRPC(ctx, spec, primaryID, duplicateID)
	if err == nil {
		return res, nil
	}

	opErr := opError(OpMerge, err)
	if !shouldFallback(opErr.Kind) {
		return MergeResult{}, opErr
	}

	// 2. Построчный fallback в транзакции
	f.degraded(ctx, OpMerge, spec.Entity, opErr)
	res, err = f.mergeRows(ctx, spec, primaryID, duplicateID)
	if err != nil {
		return MergeResult{}, err
	}
	res.Degraded = true
	return res, nil
}

// mergeRPC вызывает merge_entities(entity, primary, duplicate).
// Функция возвращает {"moved": {...}, "duplicates": {...}}.
func (f *Facade) mergeRPC(ctx context.Context, spec MergeSpec, primaryID, duplicateID int64) (MergeResult, error) {
	var raw []byte
	err := f.db.QueryRow(ctx, `SELECT merge_entities($1, $2, $3)`, spec.Entity, primaryID, duplicateID).Scan(&raw)
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge_entities: %w", err)
	}

	res := newMergeResult()
	if err := json.Unmarshal(raw, &res); err != nil {
		return MergeResult{}, &OpError{Op: OpMerge, Kind: KindFatal, Err: fmt.Errorf("decode merge_entities result: %w", err)}
	}
	res.normalize(spec)
	return res, nil
}

// mergeRows переносит дочерние строки по одной.
//
// Для таблиц с UniqueColumns UPDATE выполняется только если у основной
// сущности нет строки с теми же значениями; иначе строка дубликата
// удаляется. Так транзакция не ловит 23505 и не обрывается.
func (f *Facade) mergeRows(ctx context.Context, spec MergeSpec, primaryID, duplicateID int64) (MergeResult, error) {
	res := newMergeResult()

	tx, err := f.db.Begin(ctx)
	if err != nil {
		return res, opError(OpMerge, fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, child := range spec.Children {
		ids, err := childKeys(ctx, tx, child, duplicateID)
		if err != nil {
			return res, opError(OpMerge, err)
		}

		moveSQL, deleteSQL := child.moveSQL(), child.deleteSQL()
		for _, id := range ids {
			tag, err := tx.Exec(ctx, moveSQL, primaryID, id)
			if err != nil {
				return res, opError(OpMerge, fmt.Errorf("move %s %d: %w", child.Table, id, err))
			}
			if tag.RowsAffected() == 1 {
				res.Moved[child.Table]++
				continue
			}
			if _, err := tx.Exec(ctx, deleteSQL, id); err != nil {
				return res, opError(OpMerge, fmt.Errorf("drop duplicate %s %d: %w", child.Table, id, err))
			}
			res.DuplicateCounts[child.Table]++
		}
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quote(spec.Table), quote(spec.key())), duplicateID)
	if err != nil {
		return res, opError(OpMerge, fmt.Errorf("delete %s %d: %w", spec.Entity, duplicateID, err))
	}
	if tag.RowsAffected() == 0 {
		return res, &OpError{Op: OpMerge, Kind: KindFatal,
			Err: fmt.Errorf("%w: %s %d", ErrEntityNotFound, spec.Entity, duplicateID)}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, opError(OpMerge, fmt.Errorf("commit: %w", err))
	}
	committed = true
	res.normalize(spec)
	return res, nil
}

func childKeys(ctx context.Context, tx pgx.Tx, child ChildRef, parentID int64) ([]int64, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY %s",
			quote(child.key()), quote(child.Table), quote(child.Column), quote(child.key())),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", child.Table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s key: %w", child.Table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// moveSQL: $1 - primary id, $2 - ключ дочерней строки.
func (c ChildRef) moveSQL() string {
	sql := fmt.Sprintf("UPDATE %s AS c SET %s = $1 WHERE c.%s = $2",
		quote(c.Table), quote(c.Column), quote(c.key()))
	if len(c.UniqueColumns) == 0 {
		return sql
	}

	conds := make([]string, len(c.UniqueColumns))
	for i, u := range c.UniqueColumns {
		conds[i] = fmt.Sprintf("p.%s IS NOT DISTINCT FROM c.%s", quote(u), quote(u))
	}
	return sql + fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s AS p WHERE p.%s = $1 AND %s)",
		quote(c.Table), quote(c.Column), strings.Join(conds, " AND "))
}

func (c ChildRef) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quote(c.Table), quote(c.key()))
}

func newMergeResult() MergeResult {
	return MergeResult{Moved: map[string]int64{}, DuplicateCounts: map[string]int64{}}
}

// normalize добавляет нулевые счётчики для незатронутых дочерних таблиц.
func (r *MergeResult) normalize(spec MergeSpec) {
	if r.Moved == nil {
		r.Moved = map[string]int64{}
	}
	if r.DuplicateCounts == nil {
		r.DuplicateCounts = map[string]int64{}
	}
	for _, c := range spec.Children {
		r.Moved[c.Table] += 0
		r.DuplicateCounts[c.Table] += 0
	}
}

func (f *Facade) degraded(ctx context.Context, op, target string, err *OpError) {
	telemetry.RecordBulkFallback(op, err.Kind.String())
	f.logger.WarnContext(ctx, "bulk operation degraded to row-by-row path",
		"op", op,
		"target", target,
		"kind", err.Kind.String(),
		"error", err.Err,
	)
}
