package postgres

import (
	"fmt"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// withListOpts appends time filtering on col, ordering and pagination to a
// query whose WHERE clause already exists.
func withListOpts(query string, args []any, col, order string, opts domain.ListOpts) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= %s", col, next(*opts.Since))
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= %s", col, next(*opts.Until))
	}
	query += " ORDER BY " + order
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
