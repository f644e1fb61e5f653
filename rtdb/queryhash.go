package rtdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SubscriptionHash computes the deterministic canonical string over
// (collectionId, filter, ordering, paging) used to deduplicate logical
// subscriptions (spec §3). Two queries with equal hashes share one
// server-side registration.
func SubscriptionHash(collectionId string, query *Query) string {
	builder := &strings.Builder{}
	builder.WriteString("col:")
	builder.WriteString(collectionId)
	builder.WriteString("|filter:")
	if query != nil && query.Filter != nil {
		builder.WriteString(canonicalFilter(query.Filter))
	}
	builder.WriteString("|order:")
	if query != nil {
		for _, term := range query.Ordering {
			builder.WriteString(string(term.KeyPath))
			builder.WriteByte(':')
			builder.WriteString(string(term.Direction))
			builder.WriteByte(';')
		}
	}
	builder.WriteString("|paging:")
	if query != nil && query.Paging != nil {
		if query.Paging.Skip != nil {
			fmt.Fprintf(builder, "skip=%d", *query.Paging.Skip)
		}
		if query.Paging.Take != nil {
			fmt.Fprintf(builder, ",take=%d", *query.Paging.Take)
		}
	}

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalFilter renders a filter to a string that is stable under
// reordering of commutative compound operands: operands of `and`/`or`
// are sorted by their own canonical string before being joined so two
// logically-equal filters built in different operand order hash the
// same way.
func canonicalFilter(filter Filter) string {
	switch f := filter.(type) {
	case *SimpleFilter:
		return fmt.Sprintf("s(%s,%s,%v)", f.KeyPath, f.Relation, f.Value)
	case *CompoundFilter:
		parts := make([]string, len(f.Operands))
		for i, operand := range f.Operands {
			parts[i] = canonicalFilter(operand)
		}
		switch f.Operator {
		case OperatorAnd, OperatorOr:
			sort.Strings(parts)
		}
		return fmt.Sprintf("%s(%s)", f.Operator, strings.Join(parts, ","))
	default:
		return ""
	}
}
