package rtdb

import (
	"reflect"
	"time"
)

// Document is an immutable snapshot of one record. Value is nil to mean
// "deleted" (a tombstone); Etag is empty for deleted or pending
// documents. SortValue and SortKeys are opaque server-issued tiebreakers
// aligned with whatever Ordering is currently active for the query that
// produced this snapshot.
type Document struct {
	Id           string
	CollectionId string
	Value        map[string]any
	Etag         string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	SortValue    string
	SortKeys     []string
}

// IsTombstone reports whether this document represents a deletion.
func (self *Document) IsTombstone() bool {
	return self.Value == nil
}

// Equal is (id ∧ collectionId ∧ etag ∧ deep-equal value), per spec §3.
func (self *Document) Equal(other *Document) bool {
	if self == nil || other == nil {
		return self == other
	}
	return self.Id == other.Id &&
		self.CollectionId == other.CollectionId &&
		self.Etag == other.Etag &&
		reflect.DeepEqual(self.Value, other.Value)
}

func (self *Document) clone() *Document {
	if self == nil {
		return nil
	}
	clone := *self
	if self.Value != nil {
		clone.Value = make(map[string]any, len(self.Value))
		for k, v := range self.Value {
			clone.Value[k] = v
		}
	}
	if self.SortKeys != nil {
		clone.SortKeys = append([]string{}, self.SortKeys...)
	}
	return &clone
}
