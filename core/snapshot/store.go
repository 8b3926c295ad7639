package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store manages the namespace registry and the per-namespace tables.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a namespace store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the namespace registry table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Namespace{})
}

// Get returns the namespace with the given name, or nil when it is not registered.
func (s *Store) Get(ctx context.Context, name string) (*Namespace, error) {
	var ns Namespace
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace %s: %w", name, err)
	}
	return &ns, nil
}

// Latest returns the newest ready namespace, or nil when none exists.
func (s *Store) Latest(ctx context.Context) (*Namespace, error) {
	return s.latestExcept(ctx, "")
}

func (s *Store) latestExcept(ctx context.Context, name string) (*Namespace, error) {
	q := s.db.WithContext(ctx).Where("state = ?", StateReady)
	if name != "" {
		q = q.Where("name <> ?", name)
	}
	var ns Namespace
	err := q.Order("imported_at DESC").Take(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest namespace: %w", err)
	}
	return &ns, nil
}

// List returns every registered namespace, newest first.
func (s *Store) List(ctx context.Context) ([]Namespace, error) {
	var out []Namespace
	if err := s.db.WithContext(ctx).Order("imported_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	return out, nil
}

// register records a namespace in the importing state.
func (s *Store) register(ctx context.Context, ns *Namespace) error {
	ns.State = StateImporting
	if err := s.db.WithContext(ctx).Create(ns).Error; err != nil {
		return fmt.Errorf("failed to register namespace %s: %w", ns.Name, err)
	}
	return nil
}

// createTables creates the working tables of a namespace.
func (s *Store) createTables(ctx context.Context, t tables) error {
	m := s.db.WithContext(ctx)
	if err := m.Table(t.raw).Migrator().CreateTable(&RawRow{}); err != nil {
		return fmt.Errorf("failed to create %s: %w", t.raw, err)
	}
	if err := m.Table(t.staged).Migrator().CreateTable(&Row{}); err != nil {
		return fmt.Errorf("failed to create %s: %w", t.staged, err)
	}
	if err := s.createRowTable(ctx, t.expanded); err != nil {
		return err
	}
	if err := m.Table(t.changes).Migrator().CreateTable(&Change{}); err != nil {
		return fmt.Errorf("failed to create %s: %w", t.changes, err)
	}
	return nil
}

// createRowTable creates an edge table with its (citing, content) lookup index.
func (s *Store) createRowTable(ctx context.Context, table string) error {
	db := s.db.WithContext(ctx)
	if err := db.Table(table).Migrator().CreateTable(&Row{}); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	stmt := fmt.Sprintf("CREATE INDEX %s_key ON %s (citing, content)", table, table)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to index %s: %w", table, err)
	}
	return nil
}

// dropTable removes a working table if present.
func (s *Store) dropTable(ctx context.Context, table string) error {
	m := s.db.WithContext(ctx).Migrator()
	if !m.HasTable(table) {
		return nil
	}
	if err := m.DropTable(table); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return nil
}

// Drop removes every table of the namespace and its registry row.
func (s *Store) Drop(ctx context.Context, name string) error {
	t, err := tablesFor(name)
	if err != nil {
		return err
	}
	for _, table := range t.all() {
		if err := s.dropTable(ctx, table); err != nil {
			return err
		}
	}
	if err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Namespace{}).Error; err != nil {
		return fmt.Errorf("failed to unregister namespace %s: %w", name, err)
	}
	return nil
}

// DropIncomplete removes namespaces left in the importing state by an interrupted cycle.
func (s *Store) DropIncomplete(ctx context.Context) error {
	var stale []Namespace
	if err := s.db.WithContext(ctx).Where("state = ?", StateImporting).Find(&stale).Error; err != nil {
		return fmt.Errorf("failed to list incomplete namespaces: %w", err)
	}
	for _, ns := range stale {
		s.logger.Warn("Dropping incomplete namespace", zap.String("namespace", ns.Name))
		if err := s.Drop(ctx, ns.Name); err != nil {
			return err
		}
	}
	return nil
}

// Prune keeps the newest keep ready namespaces and drops the rest.
func (s *Store) Prune(ctx context.Context, keep int) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []string
	kept := 0
	for _, ns := range all {
		if ns.State != StateReady {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := s.Drop(ctx, ns.Name); err != nil {
			return dropped, err
		}
		dropped = append(dropped, ns.Name)
	}
	return dropped, nil
}

func (s *Store) markReady(ctx context.Context, name string, total, edges int64) error {
	err := s.db.WithContext(ctx).Model(&Namespace{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{"state": StateReady, "total": total, "edges": edges, "read_offset": 0}).Error
	if err != nil {
		return fmt.Errorf("failed to mark namespace %s ready: %w", name, err)
	}
	return nil
}

// SaveOffset persists the dispatch cursor of a namespace.
func (s *Store) SaveOffset(ctx context.Context, name string, offset int64) error {
	err := s.db.WithContext(ctx).Model(&Namespace{}).
		Where("name = ?", name).
		Update("read_offset", offset).Error
	if err != nil {
		return fmt.Errorf("failed to save offset of %s: %w", name, err)
	}
	return nil
}

// Counts returns the number of change records per status.
func (s *Store) Counts(ctx context.Context, name string) (map[Status]int64, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("status", "COUNT(*) AS n").From(t.changes).GroupBy("status")
	query, args := sb.BuildWithFlavor(flavorFor(s.db))

	var rows []struct {
		Status Status
		N      int64
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count changes of %s: %w", name, err)
	}
	out := map[Status]int64{StatusNew: 0, StatusUpdated: 0, StatusDeleted: 0}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Changes returns change records of a namespace ordered by id.
func (s *Store) Changes(ctx context.Context, name string, offset int64, limit int) ([]Change, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}
	var out []Change
	err = s.db.WithContext(ctx).Table(t.changes).
		Order("id").
		Offset(int(offset)).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read changes of %s: %w", name, err)
	}
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	return out, nil
}

// Expanded returns the expanded edges of a namespace ordered by id.
func (s *Store) Expanded(ctx context.Context, name string) ([]Row, error) {
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}
	var out []Row
	if err := s.db.WithContext(ctx).Table(t.expanded).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to read edges of %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// stamp sets the cycle timestamp on every change record.
func (s *Store) stamp(ctx context.Context, table string, ts time.Time) error {
	ub := sqlbuilder.NewUpdateBuilder()
	ub.Update(table).Set(ub.Assign("timestamp", ts))
	query, args := ub.BuildWithFlavor(flavorFor(s.db))
	if err := s.db.WithContext(ctx).Exec(query, args...).Error; err != nil {
		return fmt.Errorf("failed to stamp %s: %w", table, err)
	}
	return nil
}
