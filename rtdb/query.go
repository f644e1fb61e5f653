package rtdb

import (
	"fmt"
)

// Relation is the comparison operator of a SimpleFilter.
type Relation string

const (
	RelationEq           Relation = "eq"
	RelationGt            Relation = "gt"
	RelationGte           Relation = "gte"
	RelationLt            Relation = "lt"
	RelationLte           Relation = "lte"
	RelationContains      Relation = "contains"
	RelationStartsWith    Relation = "startsWith"
	RelationEndsWith      Relation = "endsWith"
	RelationArrayContains Relation = "arrayContains"
)

// wireOp is the short operator token used in the `{keyPath: {op: value}}`
// filter shape (spec §6); RelationEq never appears here since it uses
// the bare `{keyPath: value}` shape instead.
var wireOp = map[Relation]string{
	RelationGt:            "gt",
	RelationGte:           "gte",
	RelationLt:            "lt",
	RelationLte:           "lte",
	RelationContains:      "cnt",
	RelationStartsWith:    "pref",
	RelationEndsWith:      "suf",
	RelationArrayContains: "arr-cnt",
}

var wireOpReverse = func() map[string]Relation {
	reverse := map[string]Relation{}
	for relation, op := range wireOp {
		reverse[op] = relation
	}
	return reverse
}()

// CompoundOperator combines nested filters.
type CompoundOperator string

const (
	OperatorAnd CompoundOperator = "and"
	OperatorOr  CompoundOperator = "or"
	OperatorNot CompoundOperator = "not"
)

// Filter is either a SimpleFilter or a CompoundFilter.
type Filter interface {
	isFilter()
	validate() error
}

type SimpleFilter struct {
	KeyPath  string
	Relation Relation
	Value    any
}

func (*SimpleFilter) isFilter() {}

func (self *SimpleFilter) validate() error {
	if err := validateKeyPath(self.KeyPath); err != nil {
		return err
	}
	if self.Relation != RelationEq {
		if _, ok := wireOp[self.Relation]; !ok {
			return NewInvalidDataError(InvalidDataInvalidFilter, fmt.Sprintf("unknown relation: %q", self.Relation))
		}
	}
	return nil
}

type CompoundFilter struct {
	Operator CompoundOperator
	Operands []Filter
}

func (*CompoundFilter) isFilter() {}

func (self *CompoundFilter) validate() error {
	switch self.Operator {
	case OperatorAnd, OperatorOr:
		if len(self.Operands) == 0 {
			return NewInvalidDataError(InvalidDataInvalidFilter, "compound filter has no operands")
		}
	case OperatorNot:
		if len(self.Operands) != 1 {
			return NewInvalidDataError(InvalidDataInvalidFilter, "not filter must have exactly one operand")
		}
	default:
		return NewInvalidDataError(InvalidDataInvalidFilter, fmt.Sprintf("unknown operator: %q", self.Operator))
	}
	for _, operand := range self.Operands {
		if err := operand.validate(); err != nil {
			return err
		}
	}
	return nil
}

// And composes a new filter that requires both self (if non-nil) and
// other to hold. This is the primitive CollectionRef.Where uses to
// accumulate filters (spec §4.7: "filter composition ANDs new filters
// onto the existing one").
func And(existing Filter, next Filter) Filter {
	if existing == nil {
		return next
	}
	if compound, ok := existing.(*CompoundFilter); ok && compound.Operator == OperatorAnd {
		return &CompoundFilter{Operator: OperatorAnd, Operands: append(append([]Filter{}, compound.Operands...), next)}
	}
	return &CompoundFilter{Operator: OperatorAnd, Operands: []Filter{existing, next}}
}

// Direction is an ordering direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderTerm is one (keyPath, direction) term of an Ordering.
type OrderTerm struct {
	KeyPath   string
	Direction Direction
}

func (self OrderTerm) validate() error {
	if err := validateKeyPath(self.KeyPath); err != nil {
		return err
	}
	if self.Direction != Asc && self.Direction != Desc {
		return NewInvalidDataError(InvalidDataInvalidFilter, fmt.Sprintf("invalid direction: %q", self.Direction))
	}
	return nil
}

// Ordering is an ordered sequence of OrderTerm, primary term first.
type Ordering []OrderTerm

// Append appends next to self. Spec §9 notes the teacher source appears
// to replace rather than append when composing multiple orderings (a
// commented-out FIXME); this implementation follows the documented
// intent and appends, so CollectionRef.OrderBy(X).OrderBy(Y) yields
// ordering [X, Y] with X primary.
func (self Ordering) Append(term OrderTerm) Ordering {
	return append(append(Ordering{}, self...), term)
}

const MaxTake = 500

// Paging is (skip?, take<=MaxTake).
type Paging struct {
	Skip *int
	Take *int
}

func (self *Paging) validate() error {
	if self == nil {
		return nil
	}
	if self.Take != nil && (*self.Take < 0 || MaxTake < *self.Take) {
		return NewInvalidDataError(InvalidDataInvalidLimit, fmt.Sprintf("take exceeds maximum: %d", *self.Take))
	}
	if self.Skip != nil && *self.Skip < 0 {
		return NewInvalidDataError(InvalidDataInvalidLimit, fmt.Sprintf("invalid skip: %d", *self.Skip))
	}
	return nil
}

// Query is the triple (filter?, ordering?, paging?) that, together with
// a collection id, identifies a subscription or fetch.
type Query struct {
	Filter   Filter
	Ordering Ordering
	Paging   *Paging
}

func (self *Query) validate() error {
	if self.Filter != nil {
		if err := self.Filter.validate(); err != nil {
			return err
		}
	}
	for _, term := range self.Ordering {
		if err := term.validate(); err != nil {
			return err
		}
	}
	return self.Paging.validate()
}
