package store

import (
	"database/sql/driver"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// KVEntry is one row of the SQL backend.
type KVEntry struct {
	Key       string    `gorm:"primaryKey;size:255"`
	Value     JSONValue `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (KVEntry) TableName() string { return "kv_entries" }

// JSONValue is a JSON document column. Postgres stores it as JSONB. SQLite
// stores it as TEXT: a JSON column there has numeric affinity and turns a
// document such as 1 into an integer.
type JSONValue datatypes.JSON

func (v JSONValue) Value() (driver.Value, error) {
	return datatypes.JSON(v).Value()
}

func (v *JSONValue) Scan(src any) error {
	return (*datatypes.JSON)(v).Scan(src)
}

func (JSONValue) GormDataType() string { return "json" }

func (JSONValue) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "TEXT"
}
