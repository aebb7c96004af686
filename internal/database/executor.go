package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Query executes a raw SurrealQL query with parameters and returns the rows
// of its first statement.
//
// Example:
//
//	query := "SELECT * FROM user WHERE displayName = $name"
//	users, err := Query[userRow](ctx, db, query, map[string]any{"name": "Alice"})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	queryResults, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, classify(err, query)
	}
	if queryResults == nil || len(*queryResults) == 0 {
		return nil, nil
	}
	first := (*queryResults)[0]
	if first.Status != "" && first.Status != "OK" {
		return nil, NewDBError(ErrQueryFailed, "statement status "+first.Status).WithQuery(query)
	}
	return first.Result, nil
}

// QueryOne executes a query and returns a single result.
// If no results are found, it returns nil, nil.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	// CREATE/UPDATE/DELETE statements don't support LIMIT.
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") && !hasLimitClause(query) {
		query += " LIMIT 1"
	}

	results, err := Query[T](ctx, db, query, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// QueryValue runs a statement whose result is a single value rather than a
// row set, such as RETURN fn::something().
func QueryValue[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (T, error) {
	var zero T
	queryResults, err := surrealdb.Query[T](ctx, db, query, params)
	if err != nil {
		return zero, classify(err, query)
	}
	if queryResults == nil || len(*queryResults) == 0 {
		return zero, NewDBError(ErrQueryFailed, "statement returned no result").WithQuery(query)
	}
	first := (*queryResults)[0]
	if first.Status != "" && first.Status != "OK" {
		return zero, NewDBError(ErrQueryFailed, "statement status "+first.Status).WithQuery(query)
	}
	return first.Result, nil
}

// Execute runs a query whose result is not needed.
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	results, err := surrealdb.Query[any](ctx, db, query, params)
	if err != nil {
		return classify(err, query)
	}
	if results != nil {
		for _, r := range *results {
			if r.Status != "" && r.Status != "OK" {
				return NewDBError(ErrQueryFailed, "statement status "+r.Status).WithQuery(query)
			}
		}
	}
	return nil
}

// classify wraps a driver error, tagging retryable conflicts.
func classify(err error, query string) error {
	if isConflict(err) {
		return NewDBError(fmt.Errorf("%w: %v", ErrConflict, err), "query execution failed").WithQuery(query)
	}
	return NewDBError(err, "query execution failed").WithQuery(query)
}

// hasLimitClause checks if the query already has a LIMIT clause
func hasLimitClause(query string) bool {
	query = " " + strings.ToUpper(query) + " "
	return strings.Contains(query, " LIMIT ")
}
