package component

import (
	"database/sql/driver"

	"github.com/fyrsmithlabs/flowlearn/internal/storage"
)

// Refs is an ordered component list stored as a JSON column.
type Refs []Ref

// Value implements driver.Valuer. A nil list is stored as "[]".
func (r Refs) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	return storage.ValueJSON([]Ref(r))
}

// Scan implements sql.Scanner.
func (r *Refs) Scan(value interface{}) error {
	return storage.ScanJSON(value, (*[]Ref)(r))
}

// Types returns the distinct component types in order.
func (r Refs) Types() []string {
	return Types(r)
}

// Has reports whether a component of type typ is in the list.
func (r Refs) Has(typ string) bool {
	for _, ref := range r {
		if ref.Type == typ {
			return true
		}
	}
	return false
}

// Position returns the index of the first component of type typ among the
// distinct types, or -1.
func (r Refs) Position(typ string) int {
	for i, t := range Types(r) {
		if t == typ {
			return i
		}
	}
	return -1
}
