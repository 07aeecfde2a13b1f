package dbutil

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate applies a row-exclusive lock to the query. SQLite (used by the
// test suite) has no row locking and rejects the clause, so it is skipped
// there; test transactions are serialized by the single writer instead.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
