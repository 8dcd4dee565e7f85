package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/zuptin/internal/model"
)

// PostgresRowRepo はPostgreSQLを使用したユーザー行リポジトリ。
// 行はrow_to_jsonでJSONとして取り出し、マップにデコードして返す。
type PostgresRowRepo struct {
	db *sql.DB
}

// NewPostgresRowRepo はPostgresRowRepoを生成する。
func NewPostgresRowRepo(db *sql.DB) *PostgresRowRepo {
	return &PostgresRowRepo{db: db}
}

// Find は行を取得する。見つからない場合はnilを返す。
func (r *PostgresRowRepo) Find(ctx context.Context, table model.Table, userID string) (map[string]any, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown table: %s", table)
	}
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE t.user_id = $1`, pq.QuoteIdentifier(string(table))),
		userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s row: %w", table, err)
	}
	return decodeRow(raw)
}

// InsertIfAbsent は行が存在しない場合のみ挿入し、保存済みの行を返す。
func (r *PostgresRowRepo) InsertIfAbsent(ctx context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error) {
	cols, args, err := insertColumns(table, userID, fields)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (user_id) DO NOTHING`,
		pq.QuoteIdentifier(string(table)), joinQuoted(cols), placeholders(len(cols)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert %s row: %w", table, err)
	}

	row, err := r.Find(ctx, table, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%s row disappeared after insert: %s", table, userID)
	}
	return row, nil
}

// Merge は行を挿入し、既存の場合は指定カラムのみ上書きして保存後の行を返す。
func (r *PostgresRowRepo) Merge(ctx context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error) {
	cols, args, err := insertColumns(table, userID, fields)
	if err != nil {
		return nil, err
	}

	var sets []string
	for _, c := range cols {
		if c == "user_id" || c == "created_at" {
			continue
		}
		q := pq.QuoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		sets = append(sets, "user_id = EXCLUDED.user_id")
	}

	query := fmt.Sprintf(`INSERT INTO %s AS t (%s) VALUES (%s)
		ON CONFLICT (user_id) DO UPDATE SET %s
		RETURNING row_to_json(t)`,
		pq.QuoteIdentifier(string(table)), joinQuoted(cols), placeholders(len(cols)), strings.Join(sets, ", "))

	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to upsert %s row: %w", table, err)
	}
	return decodeRow(raw)
}

// Delete は行を削除する。
func (r *PostgresRowRepo) Delete(ctx context.Context, table model.Table, userID string) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table: %s", table)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, pq.QuoteIdentifier(string(table))),
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s row: %w", table, err)
	}
	return nil
}

// insertColumns はfieldsをカラム名順に並べ、user_idを必ず含めた列と値を返す。
func insertColumns(table model.Table, userID string, fields map[string]any) ([]string, []any, error) {
	if !table.Valid() {
		return nil, nil, fmt.Errorf("unknown table: %s", table)
	}
	cols := []string{"user_id"}
	for c := range fields {
		if c == "user_id" {
			continue
		}
		if !table.HasColumn(c) {
			return nil, nil, fmt.Errorf("unknown column %s.%s", table, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols[1:])

	args := make([]any, len(cols))
	args[0] = userID
	for i, c := range cols[1:] {
		args[i+1] = fields[c]
	}
	return cols, args, nil
}

func joinQuoted(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

func decodeRow(raw []byte) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

// compile-time interface check
var _ RowRepository = (*PostgresRowRepo)(nil)
