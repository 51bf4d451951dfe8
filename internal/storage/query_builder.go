package storage

import (
	"fmt"
	"strings"
)

// selectQuery accumulates WHERE fragments for one table.
type selectQuery struct {
	columns string
	table   string
	filters []string
	args    []any
	orderBy string
	limit   int
	offset  int
}

func newSelect(columns, table string) *selectQuery {
	return &selectQuery{columns: columns, table: table}
}

func (q *selectQuery) Where(filter string, args ...any) *selectQuery {
	q.filters = append(q.filters, filter)
	q.args = append(q.args, args...)
	return q
}

// WhereIn adds "col IN (?,?,...)"; an empty set is skipped.
func (q *selectQuery) WhereIn(col string, vals ...any) *selectQuery {
	if len(vals) == 0 {
		return q
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	return q.Where(col+" IN ("+ph+")", vals...)
}

func (q *selectQuery) OrderBy(orderBy string) *selectQuery {
	q.orderBy = orderBy
	return q
}

func (q *selectQuery) Page(limit, offset int) *selectQuery {
	q.limit = limit
	q.offset = offset
	return q
}

func (q *selectQuery) Build() (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s", q.columns, q.table)
	if len(q.filters) > 0 {
		query += " WHERE " + strings.Join(q.filters, " AND ")
	}
	if q.orderBy != "" {
		query += " ORDER BY " + q.orderBy
	}
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
		if q.offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.offset)
		}
	}
	return query, q.args
}
