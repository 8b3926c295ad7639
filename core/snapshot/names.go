package snapshot

import (
	"fmt"
	"regexp"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"gorm.io/gorm"
)

const namePrefix = "snapshot_"

var namePattern = regexp.MustCompile(`^snapshot_[0-9]{8}_[0-9]{6}$`)

// NamespaceName derives the namespace for an import timestamp (UTC, second precision).
func NamespaceName(ts time.Time) string {
	return namePrefix + ts.UTC().Format("20060102_150405")
}

// normalizeTimestamp truncates to the precision namespaces are keyed by.
func normalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}

// tables holds the physical table names of one namespace.
type tables struct {
	raw           string
	staged        string
	expanded      string
	changes       string
	reconstructed string
	tombstones    string
}

func tablesFor(name string) (tables, error) {
	if !namePattern.MatchString(name) {
		return tables{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
	}
	return tables{
		raw:           name + "_raw",
		staged:        name + "_staged",
		expanded:      name + "_expanded",
		changes:       name + "_changes",
		reconstructed: name + "_reconstructed",
		tombstones:    name + "_tombstones",
	}, nil
}

func (t tables) all() []string {
	return []string{t.raw, t.staged, t.expanded, t.changes, t.reconstructed, t.tombstones}
}

// flavorFor picks a builder flavor emitting "?" placeholders; gorm rebinds them
// for the active dialect when the statement is executed.
func flavorFor(db *gorm.DB) sqlbuilder.Flavor {
	if db.Dialector.Name() == "mysql" {
		return sqlbuilder.MySQL
	}
	return sqlbuilder.SQLite
}
