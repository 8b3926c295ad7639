package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

var rowColumns = []string{"citing", "cited", "has_doi", "has_pid", "has_url", "content", "resolved", "timestamp"}

func qualify(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func insertInto(table string, cols []string, query string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) %s", table, strings.Join(cols, ", "), query)
}

// dedupe copies staged rows into the expanded table keeping one row per
// (citing, content): the resolved variant first, then the earliest row.
func (e *Engine) dedupe(ctx context.Context, t tables) error {
	other := sqlbuilder.NewSelectBuilder()
	other.Select("1").
		From(other.As(t.staged, "o")).
		Where(
			"o.citing = s.citing",
			"o.content = s.content",
			other.Or(
				"o.resolved > s.resolved",
				other.And("o.resolved = s.resolved", "o.id < s.id"),
			),
		)

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(qualify("s", rowColumns)...).
		From(sb.As(t.staged, "s")).
		Where(sb.NotExists(other)).
		OrderBy("s.id")
	query, args := sb.BuildWithFlavor(flavorFor(e.db))

	if err := e.db.WithContext(ctx).Exec(insertInto(t.expanded, rowColumns, query), args...).Error; err != nil {
		return fmt.Errorf("failed to deduplicate %s: %w", t.staged, err)
	}
	return nil
}

type offendingRow struct {
	ID      int64
	Citing  string
	Content string
}

// validate rejects the namespace when a staged row does not carry exactly one
// identifier or a citing code, or when deduplication left a repeated key.
func (e *Engine) validate(ctx context.Context, t tables) error {
	db := e.db.WithContext(ctx)
	flavor := flavorFor(e.db)

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("s.id", "s.citing", "s.content").
		From(sb.As(t.staged, "s")).
		Where(sb.Or(
			"s.citing = ''",
			"NOT ("+sb.Or(
				"(s.has_doi AND NOT s.has_pid AND NOT s.has_url)",
				"(s.has_pid AND NOT s.has_doi AND NOT s.has_url)",
				"(s.has_url AND NOT s.has_doi AND NOT s.has_pid)",
			)+")",
		)).
		OrderBy("s.id").
		Limit(1)
	query, args := sb.BuildWithFlavor(flavor)

	var bad []offendingRow
	if err := db.Raw(query, args...).Scan(&bad).Error; err != nil {
		return fmt.Errorf("failed to validate %s: %w", t.staged, err)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: row %d (citing %q, content %q) needs a citing code and exactly one of doi, pid or url",
			ErrMalformedSnapshot, bad[0].ID, bad[0].Citing, bad[0].Content)
	}

	dup := sqlbuilder.NewSelectBuilder()
	dup.Select("e.citing", "e.content").
		From(dup.As(t.expanded, "e")).
		GroupBy("e.citing", "e.content").
		Having("COUNT(*) > 1")
	outer := sqlbuilder.NewSelectBuilder()
	outer.Select("COUNT(*)").From(outer.BuilderAs(dup, "d"))
	query, args = outer.BuildWithFlavor(flavor)

	var duplicates int64
	if err := db.Raw(query, args...).Scan(&duplicates).Error; err != nil {
		return fmt.Errorf("failed to check duplicates in %s: %w", t.expanded, err)
	}
	if duplicates > 0 {
		return fmt.Errorf("%w: %d duplicate (citing, content) keys after deduplication", ErrMalformedSnapshot, duplicates)
	}
	return nil
}
