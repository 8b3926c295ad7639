package citation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists targets, edges and the event log. A Store obtained inside
// WithTx is bound to that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn in a transaction. The transaction commits when fn returns nil
// and rolls back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func lockForUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// FindTarget returns the target for content, or nil when absent.
func (s *Store) FindTarget(ctx context.Context, content string) (*Target, error) {
	return s.findTarget(s.session(ctx), content)
}

// LockTarget reads the target under an exclusive row lock.
func (s *Store) LockTarget(ctx context.Context, content string) (*Target, error) {
	return s.findTarget(s.session(ctx).Clauses(lockForUpdate()), content)
}

func (s *Store) findTarget(db *gorm.DB, content string) (*Target, error) {
	var t Target
	err := db.Where("content = ?", content).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load target %s: %w", content, err)
	}
	return &t, nil
}

// CreateTarget inserts t unless a target with the same content exists. It
// reports false when another writer created it first.
func (s *Store) CreateTarget(ctx context.Context, t *Target) (bool, error) {
	if t.AssociatedWorks.Data() == nil {
		t.SetWorks(nil)
	}
	if t.CuratedMetadata == nil {
		t.CuratedMetadata = map[string]interface{}{}
	}
	return created(s.session(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(t))
}

// SaveTarget writes every column of t.
func (s *Store) SaveTarget(ctx context.Context, t *Target) error {
	if t.CuratedMetadata == nil {
		t.CuratedMetadata = map[string]interface{}{}
	}
	if err := s.session(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("failed to save target %s: %w", t.Content, err)
	}
	return nil
}

// FindCitation returns the edge (citing, content), or nil when absent.
func (s *Store) FindCitation(ctx context.Context, citing, content string) (*Citation, error) {
	return s.findCitation(s.session(ctx), citing, content)
}

// LockCitation reads the edge under an exclusive row lock.
func (s *Store) LockCitation(ctx context.Context, citing, content string) (*Citation, error) {
	return s.findCitation(s.session(ctx).Clauses(lockForUpdate()), citing, content)
}

func (s *Store) findCitation(db *gorm.DB, citing, content string) (*Citation, error) {
	var c Citation
	err := db.Where("citing = ? AND content = ?", citing, content).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load citation %s|%s: %w", citing, content, err)
	}
	return &c, nil
}

// CreateCitation inserts c unless the edge exists. It reports false when
// another writer created it first.
func (s *Store) CreateCitation(ctx context.Context, c *Citation) (bool, error) {
	return created(s.session(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c))
}

// SaveCitation writes every column of c.
func (s *Store) SaveCitation(ctx context.Context, c *Citation) error {
	if err := s.session(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("failed to save citation %s: %w", c.Key(), err)
	}
	return nil
}

func created(res *gorm.DB) (bool, error) {
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindRegisteredTargets returns the REGISTERED targets among contents that carry a bibcode.
func (s *Store) FindRegisteredTargets(ctx context.Context, contents []string) ([]Target, error) {
	if len(contents) == 0 {
		return nil, nil
	}
	var out []Target
	err := s.session(ctx).
		Where("content IN ? AND status = ? AND bibcode <> ''", contents, StatusRegistered).
		Order("content").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load registered targets: %w", err)
	}
	return out, nil
}

// FindRegisteredByConcept returns the registered targets declaring one of
// concepts as the work they are a version of.
func (s *Store) FindRegisteredByConcept(ctx context.Context, concepts []string) ([]Target, error) {
	if len(concepts) == 0 {
		return nil, nil
	}
	var out []Target
	err := s.session(ctx).
		Where("concept IN ? AND status = ? AND bibcode <> ''", concepts, StatusRegistered).
		Order("content").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load targets by concept: %w", err)
	}
	return out, nil
}

// ListTargets returns targets in content order, restricted to contents when
// given and to statuses when given.
func (s *Store) ListTargets(ctx context.Context, contents []string, statuses ...Status) ([]Target, error) {
	q := s.session(ctx).Order("content")
	if len(contents) > 0 {
		q = q.Where("content IN ?", contents)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []Target
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return out, nil
}

// CitationsOf returns the edges pointing at content with the given status.
func (s *Store) CitationsOf(ctx context.Context, content string, status Status) ([]Citation, error) {
	var out []Citation
	err := s.session(ctx).
		Where("content = ? AND status = ?", content, status).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list citations of %s: %w", content, err)
	}
	return out, nil
}

// CountCitations counts edges pointing at content with the given status.
func (s *Store) CountCitations(ctx context.Context, content string, status Status) (int64, error) {
	var n int64
	err := s.session(ctx).Model(&Citation{}).
		Where("content = ? AND status = ?", content, status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count citations of %s: %w", content, err)
	}
	return n, nil
}

// CountByStatus counts the edges pointing at content per status.
func (s *Store) CountByStatus(ctx context.Context, content string) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		N      int64
	}
	err := s.session(ctx).Model(&Citation{}).
		Select("status, COUNT(*) AS n").
		Where("content = ?", content).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count citations of %s: %w", content, err)
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// LogEvent appends an event log entry.
func (s *Store) LogEvent(ctx context.Context, entry *EventLog) error {
	if err := s.session(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}

// Reconstruct copies every non-deleted edge whose timestamp is not after asOf
// into table, which has the snapshot row schema.
func (s *Store) Reconstruct(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error {
	return s.copyEdges(ctx, db, table, asOf, func(sb *sqlbuilder.SelectBuilder) string {
		return sb.NotEqual("c.status", string(StatusDeleted))
	})
}

// Tombstones copies the deleted edges whose deletion is not after asOf into table.
func (s *Store) Tombstones(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error {
	return s.copyEdges(ctx, db, table, asOf, func(sb *sqlbuilder.SelectBuilder) string {
		return sb.Equal("c.status", string(StatusDeleted))
	})
}

func (s *Store) copyEdges(ctx context.Context, db *gorm.DB, table string, asOf time.Time, status func(sb *sqlbuilder.SelectBuilder) string) error {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(
		"c.citing",
		"COALESCE(c.cited, '')",
		"t.content_type = 'DOI'",
		"t.content_type = 'PID'",
		"t.content_type = 'URL'",
		"c.content",
		"c.resolved",
		"c.timestamp",
	).
		From(sb.As(Citation{}.TableName(), "c")).
		Join(sb.As(Target{}.TableName(), "t"), "t.content = c.content").
		Where(
			status(sb),
			sb.LessEqualThan("c.timestamp", asOf.UTC()),
		).
		OrderBy("c.id")

	flavor := sqlbuilder.SQLite
	if db.Dialector.Name() == "mysql" {
		flavor = sqlbuilder.MySQL
	}
	query, args := sb.BuildWithFlavor(flavor)
	stmt := "INSERT INTO " + table + " (citing, cited, has_doi, has_pid, has_url, content, resolved, timestamp) " + query
	if err := db.WithContext(ctx).Exec(stmt, args...).Error; err != nil {
		return fmt.Errorf("failed to copy citations into %s: %w", table, err)
	}
	return nil
}
