package changelog

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/driftsync/driftsync/pkg/tables"
)

// UpsertRow writes one row image with last-writer-wins semantics: on
// conflict the update is taken only when the incoming updated_at is at or
// after the stored one. Returns false when the stored row is newer and
// the image was discarded.
func UpsertRow(tx *gorm.DB, desc tables.Descriptor, row tables.Row) (bool, error) {
	values, err := desc.CoerceRow(row)
	if err != nil {
		return false, err
	}
	if _, ok := values[desc.PrimaryKey]; !ok {
		return false, fmt.Errorf("row for %s has no primary key", desc.Name)
	}

	cols := make([]string, 0, len(values))
	for name := range values {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	sets := make([]string, 0, len(cols))
	for i, name := range cols {
		placeholders[i] = "?"
		args[i] = values[name]
		if name != desc.PrimaryKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE excluded.updated_at >= COALESCE(%s.updated_at, 0)",
		desc.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		desc.PrimaryKey,
		strings.Join(sets, ", "),
		desc.Name,
	)

	res := tx.Exec(query, args...)
	if res.Error != nil {
		return false, fmt.Errorf("upsert %s: %w", desc.Name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteRow removes one row by primary key. Deleting an absent row is a
// success: deletes are idempotent.
func DeleteRow(tx *gorm.DB, desc tables.Descriptor, pk string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", desc.Name, desc.PrimaryKey)
	if err := tx.Exec(query, pk).Error; err != nil {
		return fmt.Errorf("delete %s/%s: %w", desc.Name, pk, err)
	}
	return nil
}

// GetRow reads one row by primary key. The second return is false when
// the row does not exist.
func GetRow(tx *gorm.DB, desc tables.Descriptor, pk string) (map[string]any, bool, error) {
	var rows []map[string]any
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", desc.Name, desc.PrimaryKey)
	if err := tx.Raw(query, pk).Scan(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("select %s/%s: %w", desc.Name, pk, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// CountRows returns the row count of one replicated table.
func CountRows(tx *gorm.DB, table string) (int64, error) {
	var count int64
	if err := tx.Table(table).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}
