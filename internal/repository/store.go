// Package repository хранилище оркестратора поверх database/sql.
//
// Один набор запросов обслуживает оба драйвера: запросы пишутся с плейсхолдерами "?",
// для Postgres они переписываются в $n (rebind). Время хранится строкой RFC3339 с наносекундами в UTC.
package repository

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Фиксированная ширина дробной части: строки сортируются так же, как время
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	DB      *sql.DB
	dialect Dialect
}

// New оборачивает уже открытое соединение; схему накатывает Migrate
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{DB: db, dialect: dialect}
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

var errNilStore = errors.New("repository: store is nil")

func (s *Store) check() error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	return nil
}

// rebind переписывает "?" в "$1..$n" для Postgres
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func parseTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// placeholders "(?, ?), (?, ?)" для пакетной вставки
func placeholders(rows, cols int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", rows), ", ")
}
