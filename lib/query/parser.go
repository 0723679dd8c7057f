package query

import (
	"errors"
	"strings"
)

// Parser errors
var (
	ErrEmptyFilter      = errors.New("empty filter")
	ErrInvalidFilter    = errors.New("invalid filter syntax")
	ErrUnbalancedParens = errors.New("unbalanced parentheses")
	ErrMissingField     = errors.New("missing field name")
)

// Parse parses an LDAP-style filter string:
//   - (field=value)       equality
//   - (field=*)           field is defined
//   - (field=val*)        prefix, case-insensitive
//   - (field=*val*)       substring, case-insensitive
//   - (field<value) (field<=value) (field>value) (field>=value)
//   - (field~=regexp)     regular expression
//   - (field->(filter))   some object the invid field points at matches
//   - (&(f1)(f2)...) (|(f1)(f2)...) (!(f))
//
// The pseudo-field "invid" tests the object's identity.
func Parse(filter string) (*Node, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, ErrEmptyFilter
	}
	return parseNode(filter)
}

func parseNode(s string) (*Node, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyFilter
	}

	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		// bare simple filters are accepted without parentheses
		if strings.ContainsAny(s, "()") {
			return nil, ErrInvalidFilter
		}
		s = "(" + s + ")"
	}
	if end, err := closing(s); err != nil {
		return nil, err
	} else if end != len(s)-1 {
		return nil, ErrInvalidFilter
	}

	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, ErrEmptyFilter
	}

	switch inner[0] {
	case '&', '|':
		children, err := parseList(inner[1:])
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, ErrInvalidFilter
		}
		if inner[0] == '&' {
			return And(children...), nil
		}
		return Or(children...), nil
	case '!':
		child, err := parseNode(inner[1:])
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	default:
		return parseSimple(inner)
	}
}

// closing returns the index of the parenthesis closing s[0].
func closing(s string) (int, error) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return -1, ErrUnbalancedParens
}

func parseList(s string) ([]*Node, error) {
	var nodes []*Node
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		if s[0] != '(' {
			return nil, ErrInvalidFilter
		}
		end, err := closing(s)
		if err != nil {
			return nil, err
		}
		n, err := parseNode(s[:end+1])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		s = strings.TrimSpace(s[end+1:])
	}
	return nodes, nil
}

func parseSimple(s string) (*Node, error) {
	if idx := strings.Index(s, "->"); idx >= 0 && strings.IndexAny(s[:idx], "=<>~") < 0 {
		field := strings.TrimSpace(s[:idx])
		if field == "" {
			return nil, ErrMissingField
		}
		child, err := parseNode(s[idx+2:])
		if err != nil {
			return nil, err
		}
		return Deref(field, child), nil
	}

	idx := strings.IndexAny(s, "=<>~")
	if idx < 0 {
		return nil, ErrInvalidFilter
	}
	field := strings.TrimSpace(s[:idx])
	if field == "" {
		return nil, ErrMissingField
	}
	orEqual := idx+1 < len(s) && s[idx+1] == '='

	switch s[idx] {
	case '>':
		if orEqual {
			return Data(field, GreaterEq, unescape(s[idx+2:])), nil
		}
		return Data(field, Greater, unescape(s[idx+1:])), nil
	case '<':
		if orEqual {
			return Data(field, LessEq, unescape(s[idx+2:])), nil
		}
		return Data(field, Less, unescape(s[idx+1:])), nil
	case '~':
		if !orEqual {
			return nil, ErrInvalidFilter
		}
		return Data(field, Matches, s[idx+2:]), nil
	}

	value := s[idx+1:]
	switch {
	case value == "*":
		return Data(field, Present, ""), nil
	case len(value) > 2 && strings.HasPrefix(value, "*") && strings.HasSuffix(value, "*") && !escaped(value):
		return Data(field, Contains, unescape(value[1:len(value)-1])), nil
	case len(value) > 1 && strings.HasSuffix(value, "*") && !escaped(value):
		return Data(field, StartsWith, unescape(value[:len(value)-1])), nil
	}
	return Eq(field, unescape(value)), nil
}

// escaped reports whether the trailing '*' of value is escaped.
func escaped(value string) bool {
	n := 0
	for i := len(value) - 2; i >= 0 && value[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// unescape resolves backslash escapes of the filter syntax characters.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
