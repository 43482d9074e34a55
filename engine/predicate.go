package engine

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/mvstore/sql"
)

// Predicate selects rows by the values of their columns. A nil Predicate selects every row.
// NULL never matches a comparison.
type Predicate interface {
	fmt.Stringer
	bind(s *sql.Schema) (cond, error)
}

// cond is a predicate bound to the physical columns of a schema.
type cond interface {
	match(row []sql.Value) bool
}

type eqPred struct {
	col string
	val sql.Value
}

type rangePred struct {
	col          string
	min, max     sql.Value
	minInclusive bool
	maxInclusive bool
}

type inPred struct {
	col  string
	vals []sql.Value
}

type prefixPred struct {
	col    string
	prefix string
}

type andPred []Predicate
type orPred []Predicate

// Eq matches rows where col equals val.
func Eq(col string, val sql.Value) Predicate {
	return eqPred{col: col, val: val}
}

// Range matches rows where col is between min and max; a nil bound is unbounded.
func Range(col string, min, max sql.Value, minInclusive, maxInclusive bool) Predicate {
	return rangePred{
		col:          col,
		min:          min,
		max:          max,
		minInclusive: minInclusive,
		maxInclusive: maxInclusive,
	}
}

// In matches rows where col equals any of vals.
func In(col string, vals ...sql.Value) Predicate {
	return inPred{col: col, vals: vals}
}

// Prefix matches rows where the text column col starts with prefix.
func Prefix(col string, prefix string) Predicate {
	return prefixPred{col: col, prefix: prefix}
}

func And(preds ...Predicate) Predicate {
	return andPred(preds)
}

func Or(preds ...Predicate) Predicate {
	return orPred(preds)
}

func (p eqPred) String() string {
	return fmt.Sprintf("%s = %s", p.col, sql.Format(p.val))
}

func (p rangePred) String() string {
	var parts []string
	if p.min != nil {
		op := ">"
		if p.minInclusive {
			op = ">="
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", p.col, op, p.min))
	}
	if p.max != nil {
		op := "<"
		if p.maxInclusive {
			op = "<="
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", p.col, op, p.max))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s IS NOT NULL", p.col)
	}
	return strings.Join(parts, " AND ")
}

func (p inPred) String() string {
	return fmt.Sprintf("%s IN %s", p.col, sql.FormatRow(p.vals))
}

func (p prefixPred) String() string {
	return fmt.Sprintf("%s LIKE '%s%%'", p.col, p.prefix)
}

func joinPreds(preds []Predicate, op string) string {
	strs := make([]string, len(preds))
	for i, p := range preds {
		strs[i] = p.String()
	}
	return "(" + strings.Join(strs, op) + ")"
}

func (p andPred) String() string {
	return joinPreds(p, " AND ")
}

func (p orPred) String() string {
	return joinPreds(p, " OR ")
}

type eqCond struct {
	col int
	val sql.Value
}

type rangeCond struct {
	col          int
	min, max     sql.Value
	minInclusive bool
	maxInclusive bool
}

type inCond struct {
	col  int
	vals []sql.Value
}

type prefixCond struct {
	col    int
	prefix string
}

type andCond []cond
type orCond []cond

func bindColumn(s *sql.Schema, name string) (int, error) {
	num, ok := s.ColumnNum(name)
	if !ok {
		return -1, errors.Newf("engine: table %s: column %s not found", s.Name, name)
	}
	return num, nil
}

func bindValue(s *sql.Schema, num int, val sql.Value) (sql.Value, error) {
	if val == nil {
		return nil, nil
	}
	v, err := sql.ConvertValue(s.Columns[num].Type, val)
	if err != nil {
		return nil, errors.Wrapf(err, "engine: table %s: column %s", s.Name, s.Columns[num].Name)
	}
	return v, nil
}

func (p eqPred) bind(s *sql.Schema) (cond, error) {
	num, err := bindColumn(s, p.col)
	if err != nil {
		return nil, err
	}
	val, err := bindValue(s, num, p.val)
	if err != nil {
		return nil, err
	}
	return &eqCond{col: num, val: val}, nil
}

func (p rangePred) bind(s *sql.Schema) (cond, error) {
	num, err := bindColumn(s, p.col)
	if err != nil {
		return nil, err
	}
	min, err := bindValue(s, num, p.min)
	if err != nil {
		return nil, err
	}
	max, err := bindValue(s, num, p.max)
	if err != nil {
		return nil, err
	}
	return &rangeCond{
		col:          num,
		min:          min,
		max:          max,
		minInclusive: p.minInclusive,
		maxInclusive: p.maxInclusive,
	}, nil
}

func (p inPred) bind(s *sql.Schema) (cond, error) {
	num, err := bindColumn(s, p.col)
	if err != nil {
		return nil, err
	}
	c := &inCond{col: num}
	for _, val := range p.vals {
		v, err := bindValue(s, num, val)
		if err != nil {
			return nil, err
		}
		if v != nil {
			c.vals = append(c.vals, v)
		}
	}
	return c, nil
}

func (p prefixPred) bind(s *sql.Schema) (cond, error) {
	num, err := bindColumn(s, p.col)
	if err != nil {
		return nil, err
	}
	if s.Columns[num].Type != sql.StringType {
		return nil, errors.Newf("engine: table %s: column %s: prefix requires a text column",
			s.Name, p.col)
	}
	return &prefixCond{col: num, prefix: p.prefix}, nil
}

func bindAll(s *sql.Schema, preds []Predicate) ([]cond, error) {
	conds := make([]cond, 0, len(preds))
	for _, p := range preds {
		if p == nil {
			return nil, errors.New("engine: nil predicate in AND or OR")
		}
		c, err := p.bind(s)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func (p andPred) bind(s *sql.Schema) (cond, error) {
	conds, err := bindAll(s, p)
	if err != nil {
		return nil, err
	}
	return andCond(conds), nil
}

func (p orPred) bind(s *sql.Schema) (cond, error) {
	conds, err := bindAll(s, p)
	if err != nil {
		return nil, err
	}
	return orCond(conds), nil
}

func bindPredicate(s *sql.Schema, pred Predicate) (cond, error) {
	if pred == nil {
		return nil, nil
	}
	return pred.bind(s)
}

func (c *eqCond) match(row []sql.Value) bool {
	v := row[c.col]
	return v != nil && c.val != nil && sql.Compare(v, c.val) == 0
}

func (c *rangeCond) match(row []sql.Value) bool {
	v := row[c.col]
	if v == nil {
		return false
	}
	if c.min != nil {
		cmp := sql.Compare(v, c.min)
		if cmp < 0 || (cmp == 0 && !c.minInclusive) {
			return false
		}
	}
	if c.max != nil {
		cmp := sql.Compare(v, c.max)
		if cmp > 0 || (cmp == 0 && !c.maxInclusive) {
			return false
		}
	}
	return true
}

func (c *inCond) match(row []sql.Value) bool {
	v := row[c.col]
	if v == nil {
		return false
	}
	for _, val := range c.vals {
		if sql.Compare(v, val) == 0 {
			return true
		}
	}
	return false
}

func (c *prefixCond) match(row []sql.Value) bool {
	s, ok := row[c.col].(sql.StringValue)
	return ok && strings.HasPrefix(string(s), c.prefix)
}

func (c andCond) match(row []sql.Value) bool {
	for _, sub := range c {
		if !sub.match(row) {
			return false
		}
	}
	return true
}

func (c orCond) match(row []sql.Value) bool {
	for _, sub := range c {
		if sub.match(row) {
			return true
		}
	}
	return false
}

func matches(c cond, row []sql.Value) bool {
	return c == nil || c.match(row)
}
