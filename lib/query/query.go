// Package query implements object queries: a small filter tree (data tests
// combined with AND, OR, NOT and dereferencing through invid fields), an
// LDAP-style textual filter syntax and the engine that evaluates queries
// against a store, optionally inside a transaction.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/lib/invid"
	"github.com/ValentinKolb/dObj/lib/schema"
)

// InvidField is the pseudo-field naming an object's identity.
const InvidField = "invid"

// NodeKind is the kind of a filter node.
type NodeKind uint8

const (
	NodeData NodeKind = iota
	NodeAnd
	NodeOr
	NodeNot
	NodeDeref
)

// Op is the comparison of a data node.
type Op uint8

const (
	Equals Op = iota
	Less
	LessEq
	Greater
	GreaterEq
	StartsWith
	Contains
	Present
	Matches
)

func (o Op) String() string {
	switch o {
	case Equals:
		return "="
	case Less:
		return "<"
	case LessEq:
		return "<="
	case Greater:
		return ">"
	case GreaterEq:
		return ">="
	case StartsWith:
		return "=prefix*"
	case Contains:
		return "=*sub*"
	case Present:
		return "=*"
	case Matches:
		return "~="
	default:
		return "?"
	}
}

// Node is one node of a filter tree.
type Node struct {
	Kind NodeKind
	// Field is the tested field (data nodes) or the invid field followed
	// (deref nodes), by name.
	Field string
	Op    Op
	Value string

	Children []*Node // and, or
	Child    *Node   // not, deref
}

func Data(field string, op Op, value string) *Node {
	return &Node{Kind: NodeData, Field: field, Op: op, Value: value}
}

func Eq(field, value string) *Node { return Data(field, Equals, value) }

func And(children ...*Node) *Node { return &Node{Kind: NodeAnd, Children: children} }

func Or(children ...*Node) *Node { return &Node{Kind: NodeOr, Children: children} }

func Not(child *Node) *Node { return &Node{Kind: NodeNot, Child: child} }

// Deref matches objects whose invid field points at an object matching
// child.
func Deref(field string, child *Node) *Node {
	return &Node{Kind: NodeDeref, Field: field, Child: child}
}

// String renders the node in filter syntax.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case NodeAnd, NodeOr:
		var sb strings.Builder
		sb.WriteString("(")
		if n.Kind == NodeAnd {
			sb.WriteString("&")
		} else {
			sb.WriteString("|")
		}
		for _, c := range n.Children {
			sb.WriteString(c.String())
		}
		sb.WriteString(")")
		return sb.String()
	case NodeNot:
		return "(!" + n.Child.String() + ")"
	case NodeDeref:
		return "(" + n.Field + "->" + n.Child.String() + ")"
	}
	switch n.Op {
	case StartsWith:
		return "(" + n.Field + "=" + escapeValue(n.Value) + "*)"
	case Contains:
		return "(" + n.Field + "=*" + escapeValue(n.Value) + "*)"
	case Present:
		return "(" + n.Field + "=*)"
	case Matches:
		return "(" + n.Field + "~=" + n.Value + ")"
	default:
		return "(" + n.Field + n.Op.String() + escapeValue(n.Value) + ")"
	}
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `(`, `\(`, `)`, `\)`)

func escapeValue(v string) string { return valueEscaper.Replace(v) }

// Query selects objects of one type.
type Query struct {
	// Type is the object type name.
	Type   string
	Filter *Node
	// EditableOnly restricts results to objects the caller may edit.
	EditableOnly bool
	// OwnerGroups, if set, restricts results to objects owned by one of
	// the groups. This narrows results; it is not a permission check.
	OwnerGroups []invid.Invid
	// Limit caps the number of results (0 = unlimited).
	Limit int
}

// --------------------------------------------------------------------------
// Compilation
// --------------------------------------------------------------------------

// evalCtx resolves invids during evaluation, in the querying transaction's
// view when there is one.
type evalCtx struct {
	view func(invid.Invid) (db.FieldReader, bool)
}

type predicate func(c *evalCtx, obj db.FieldReader) bool

// compiled is a filter resolved against a schema.
type compiled struct {
	typ   *schema.ObjectType
	match predicate
	// types lists every table the filter reads.
	types map[schema.TypeID]struct{}
	// point is set when the filter is a single equality test that can be
	// answered by an index.
	point *pointLookup
}

type pointLookup struct {
	field *schema.Field // nil for the invid pseudo-field
	id    invid.Invid
	value db.Value
}

func compile(s *schema.Schema, q *Query) (*compiled, error) {
	typ, ok := s.TypeByName(q.Type)
	if !ok {
		return nil, fmt.Errorf("unknown object type %q", q.Type)
	}
	c := &compiled{typ: typ, types: map[schema.TypeID]struct{}{typ.ID: {}}}
	if q.Filter == nil {
		c.match = func(*evalCtx, db.FieldReader) bool { return true }
		return c, nil
	}
	match, err := c.node(s, typ, q.Filter)
	if err != nil {
		return nil, err
	}
	c.match = match

	if n := q.Filter; n.Kind == NodeData && n.Op == Equals {
		if strings.EqualFold(n.Field, InvidField) {
			id, _ := invid.Parse(n.Value)
			c.point = &pointLookup{id: id}
		} else if f, ok := typ.FieldByName(n.Field); ok && f.Namespace != "" && !f.Vector {
			v, _ := db.ParseValue(f.Type, n.Value)
			c.point = &pointLookup{field: f, value: v}
		}
	}
	return c, nil
}

func (c *compiled) node(s *schema.Schema, typ *schema.ObjectType, n *Node) (predicate, error) {
	switch n.Kind {
	case NodeAnd, NodeOr:
		preds := make([]predicate, 0, len(n.Children))
		for _, child := range n.Children {
			p, err := c.node(s, typ, child)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		if n.Kind == NodeAnd {
			return func(ctx *evalCtx, obj db.FieldReader) bool {
				for _, p := range preds {
					if !p(ctx, obj) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(ctx *evalCtx, obj db.FieldReader) bool {
			for _, p := range preds {
				if p(ctx, obj) {
					return true
				}
			}
			return false
		}, nil

	case NodeNot:
		if n.Child == nil {
			return nil, fmt.Errorf("not node without child")
		}
		p, err := c.node(s, typ, n.Child)
		if err != nil {
			return nil, err
		}
		return func(ctx *evalCtx, obj db.FieldReader) bool { return !p(ctx, obj) }, nil

	case NodeDeref:
		return c.deref(s, typ, n)

	case NodeData:
		return dataPredicate(s, typ, n)
	}
	return nil, fmt.Errorf("unknown node kind %d", n.Kind)
}

func (c *compiled) deref(s *schema.Schema, typ *schema.ObjectType, n *Node) (predicate, error) {
	f, ok := typ.FieldByName(n.Field)
	if !ok {
		return nil, fmt.Errorf("type %s has no field %q", typ.Name, n.Field)
	}
	if f.Type != schema.Invid {
		return nil, fmt.Errorf("cannot dereference %s: not an invid field", f.Name)
	}
	if f.TargetType == schema.AnyType {
		return nil, fmt.Errorf("cannot dereference %s: target type is not fixed", f.Name)
	}
	if n.Child == nil {
		return nil, fmt.Errorf("deref node without child")
	}
	target, ok := s.Type(f.TargetType)
	if !ok {
		return nil, fmt.Errorf("unknown target type %d", f.TargetType)
	}
	c.types[target.ID] = struct{}{}
	p, err := c.node(s, target, n.Child)
	if err != nil {
		return nil, err
	}
	return func(ctx *evalCtx, obj db.FieldReader) bool {
		for _, id := range db.RefsOf(obj, f.ID) {
			if remote, ok := ctx.view(id); ok && p(ctx, remote) {
				return true
			}
		}
		return false
	}, nil
}

func dataPredicate(s *schema.Schema, typ *schema.ObjectType, n *Node) (predicate, error) {
	if strings.EqualFold(n.Field, InvidField) {
		if n.Op != Equals {
			return nil, fmt.Errorf("invid only supports equality")
		}
		id, err := invid.Parse(n.Value)
		if err != nil {
			return nil, err
		}
		return func(_ *evalCtx, obj db.FieldReader) bool { return obj.Invid() == id }, nil
	}

	f, ok := typ.FieldByName(n.Field)
	if !ok {
		return nil, fmt.Errorf("type %s has no field %q", typ.Name, n.Field)
	}
	if f.Type == schema.Password {
		return nil, fmt.Errorf("password fields cannot be queried")
	}

	var test func(v db.Value) bool
	switch n.Op {
	case Present:
		return func(_ *evalCtx, obj db.FieldReader) bool { return obj.Slot(f.ID).IsDefined() }, nil
	case StartsWith, Contains:
		needle := strings.ToLower(n.Value)
		test = func(v db.Value) bool {
			text := strings.ToLower(v.Text())
			if n.Op == StartsWith {
				return strings.HasPrefix(text, needle)
			}
			return strings.Contains(text, needle)
		}
	case Matches:
		re, err := regexp.Compile(n.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for %s: %w", f.Name, err)
		}
		test = func(v db.Value) bool { return re.MatchString(v.Text()) }
	case Equals, Less, LessEq, Greater, GreaterEq:
		want, err := db.ParseValue(f.Type, n.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value for %s: %w", f.Type, f.Name, err)
		}
		ns, _ := s.Namespace(f.Namespace)
		fold := f.Type == schema.String && ns.CaseInsensitive
		op := n.Op
		test = func(v db.Value) bool {
			if op == Equals {
				if fold {
					return strings.EqualFold(v.AsString(), want.AsString())
				}
				return v.Equal(want)
			}
			if f.Type == schema.Boolean || f.Type == schema.PermMatrix || f.Type == schema.Options {
				return false
			}
			cmp := v.Compare(want)
			switch op {
			case Less:
				return cmp < 0
			case LessEq:
				return cmp <= 0
			case Greater:
				return cmp > 0
			default:
				return cmp >= 0
			}
		}
	default:
		return nil, fmt.Errorf("unknown operator %d", n.Op)
	}

	return func(_ *evalCtx, obj db.FieldReader) bool {
		for _, v := range obj.Slot(f.ID).Values() {
			if test(v) {
				return true
			}
		}
		return false
	}, nil
}
