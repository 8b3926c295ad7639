package snapshot

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
)

var changeInsertColumns = []string{
	"status", "citing", "content", "content_type",
	"new_cited", "new_resolved", "previous_cited", "previous_resolved", "timestamp", "retry",
}

func contentTypeExpr(alias string) string {
	return fmt.Sprintf("CASE WHEN %[1]s.has_doi THEN 'DOI' WHEN %[1]s.has_pid THEN 'PID' ELSE 'URL' END", alias)
}

func joinKey(left, right string) []string {
	return []string{
		left + ".citing = " + right + ".citing",
		left + ".content = " + right + ".content",
	}
}

// diff writes the change set of cur against prev. Without a previous namespace
// every current row is NEW. Timestamps are stamped afterwards by the caller.
func (e *Engine) diff(ctx context.Context, cur tables, prev *tables) error {
	db := e.db.WithContext(ctx)
	flavor := flavorFor(e.db)

	sb := sqlbuilder.NewSelectBuilder()
	if prev == nil {
		sb.Select("'NEW'", "c.citing", "c.content", contentTypeExpr("c"),
			"c.cited", "c.resolved", "''", "FALSE", "c.timestamp", "FALSE").
			From(sb.As(cur.expanded, "c")).
			OrderBy("c.id")
	} else {
		sb.Select("CASE WHEN p.id IS NULL THEN 'NEW' ELSE 'UPDATED' END", "c.citing", "c.content", contentTypeExpr("c"),
			"c.cited", "c.resolved", "COALESCE(p.cited, '')", "COALESCE(p.resolved, FALSE)", "c.timestamp", "FALSE").
			From(sb.As(cur.expanded, "c")).
			JoinWithOption(sqlbuilder.LeftJoin, sb.As(prev.expanded, "p"), joinKey("p", "c")...).
			Where(sb.Or("p.id IS NULL", "p.cited <> c.cited", "p.resolved <> c.resolved")).
			OrderBy("c.id")
	}
	query, args := sb.BuildWithFlavor(flavor)
	if err := db.Exec(insertInto(cur.changes, changeInsertColumns, query), args...).Error; err != nil {
		return fmt.Errorf("failed to diff new and updated rows: %w", err)
	}
	if prev == nil {
		return nil
	}

	del := sqlbuilder.NewSelectBuilder()
	del.Select("'DELETED'", "p.citing", "p.content", contentTypeExpr("p"),
		"''", "FALSE", "p.cited", "p.resolved", "p.timestamp", "FALSE").
		From(del.As(prev.expanded, "p")).
		JoinWithOption(sqlbuilder.LeftJoin, del.As(cur.expanded, "c"), joinKey("c", "p")...).
		Where("c.id IS NULL").
		OrderBy("p.id")
	query, args = del.BuildWithFlavor(flavor)
	if err := db.Exec(insertInto(cur.changes, changeInsertColumns, query), args...).Error; err != nil {
		return fmt.Errorf("failed to diff deleted rows: %w", err)
	}
	return nil
}
