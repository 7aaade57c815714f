package bulk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TableSpec - целевая таблица для BulkUpsert.
type TableSpec struct {
	Table           string
	Columns         []string
	ConflictColumns []string // естественный ключ для insert-or-ignore
}

// Validate проверяет имена и непустые списки колонок.
func (t TableSpec) Validate() error {
	if err := checkIdent(t.Table); err != nil {
		return err
	}
	if len(t.Columns) == 0 || len(t.ConflictColumns) == 0 {
		return fmt.Errorf("%w: %s needs columns and conflict columns", ErrInvalidSpec, t.Table)
	}
	for _, c := range append(append([]string{}, t.Columns...), t.ConflictColumns...) {
		if err := checkIdent(c); err != nil {
			return err
		}
	}
	return nil
}

// insertSQL строит INSERT с плейсхолдерами $1..$n.
// onConflict добавляет ON CONFLICT (...) DO NOTHING.
func (t TableSpec) insertSQL(onConflict bool) string {
	cols := make([]string, len(t.Columns))
	params := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(t.Table), strings.Join(cols, ", "), strings.Join(params, ", "))
	if onConflict {
		keys := make([]string, len(t.ConflictColumns))
		for i, c := range t.ConflictColumns {
			keys[i] = quote(c)
		}
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return sql
}

// ChildRef - таблица, ссылающаяся на родительскую сущность.
type ChildRef struct {
	Table     string
	Column    string // внешний ключ на родителя
	KeyColumn string // первичный ключ строки, по умолчанию "id"

	// UniqueColumns - колонки, уникальные в паре с Column.
	// Строка дубликата, совпадающая по ним со строкой основной
	// сущности, удаляется и считается дубликатом.
	UniqueColumns []string
}

func (c ChildRef) key() string {
	if c.KeyColumn == "" {
		return "id"
	}
	return c.KeyColumn
}

// MergeSpec - описание слияния двух родительских сущностей.
type MergeSpec struct {
	Entity    string // имя для RPC merge_entities, например "venues"
	Table     string
	KeyColumn string // по умолчанию "id"
	Children  []ChildRef
}

func (m MergeSpec) key() string {
	if m.KeyColumn == "" {
		return "id"
	}
	return m.KeyColumn
}

// Validate проверяет идентификаторы.
func (m MergeSpec) Validate() error {
	if m.Entity == "" {
		return fmt.Errorf("%w: entity name is empty", ErrInvalidSpec)
	}
	if err := checkIdent(m.Table); err != nil {
		return err
	}
	if err := checkIdent(m.key()); err != nil {
		return err
	}
	for _, c := range m.Children {
		idents := append([]string{c.Table, c.Column, c.key()}, c.UniqueColumns...)
		for _, id := range idents {
			if err := checkIdent(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIdent(name string) error {
	if !validIdent.MatchString(name) {
		return fmt.Errorf("%w: invalid identifier %q", ErrInvalidSpec, name)
	}
	return nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
