package option

import (
	"fmt"
	"strings"

	"stakeledger/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ   Operator = "="
	NEQ  Operator = "<>"
	GT   Operator = ">"
	GTE  Operator = ">="
	LT   Operator = "<"
	LTE  Operator = "<="
	IN   Operator = "IN"
	LIKE Operator = "LIKE"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	// Allow whitelists the columns a caller may sort on. SortBy outside it falls back to id.
	Allow map[string]bool
}

// Apply runs every option against db in order.
func Apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		if opt != nil {
			db = opt(db)
		}
	}
	return db
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		op := c.Operator
		if op == "" {
			op = EQ
		}
		column := clause.Column{Name: c.Field}
		switch op {
		case IN:
			return db.Where(clause.IN{Column: column, Values: toValues(c.Value)})
		case EQ:
			return db.Where(clause.Eq{Column: column, Value: c.Value})
		case NEQ:
			return db.Where(clause.Neq{Column: column, Value: c.Value})
		case GT:
			return db.Where(clause.Gt{Column: column, Value: c.Value})
		case GTE:
			return db.Where(clause.Gte{Column: column, Value: c.Value})
		case LT:
			return db.Where(clause.Lt{Column: column, Value: c.Value})
		case LTE:
			return db.Where(clause.Lte{Column: column, Value: c.Value})
		case LIKE:
			return db.Where(clause.Like{Column: column, Value: c.Value})
		default:
			_ = db.AddError(fmt.Errorf("unsupported operator %q", op))
			return db
		}
	}
}

func toValues(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := "id"
		if s.SortBy != "" && s.Allow[s.SortBy] {
			column = s.SortBy
		}
		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

// ApplyPagination limits the result set. One extra row is fetched so callers
// can tell whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(p.Size() + 1)
	}
}

func WithLimit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(n)
	}
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate adds SELECT ... FOR UPDATE. sqlite has no row locks, the
// clause is dropped there and the single writer serializes instead.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}
