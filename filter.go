package weave

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/golobby/cast"
)

// Filter is a compiled boolean query over a service property map.
//
// The filter language uses parenthesized prefix expressions in the LDAP
// style: comparisons (attr=value), (attr<=value), (attr>=value),
// (attr<value), (attr>value), approximate matching (attr~=value),
// presence tests (attr=*), substring wildcards inside equality
// comparisons (attr=a*c), and the combinators & (and), | (or) and
// ! (not), e.g. (&(color=red)(size>=10)).
//
// Matching semantics:
//   - An absent attribute fails comparisons and presence tests; it is
//     never an error.
//   - If the property value is a slice or array, the criterion matches
//     when any element matches.
//   - Ordered comparisons compare numerically when both sides parse as
//     numbers, lexically otherwise.
//   - Approximate matching is case-insensitive and ignores whitespace.
//
// Filters are immutable and safe for concurrent use.
type Filter interface {
	// Matches reports whether the property map satisfies the filter.
	Matches(props map[string]any) bool

	// String returns the normalized filter text.
	String() string
}

// ParseFilter compiles filter text. Malformed text fails here, never at
// match time. The returned error wraps ErrFilterSyntax and carries the
// offending position.
func ParseFilter(text string) (Filter, error) {
	p := &filterParser{text: text}
	p.skipSpaces()
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos != len(p.text) {
		return nil, p.errorf(p.pos, "unexpected trailing characters")
	}
	return f, nil
}

// MustParseFilter is like ParseFilter but panics on malformed text.
// Intended for filter literals in code.
func MustParseFilter(text string) Filter {
	f, err := ParseFilter(text)
	if err != nil {
		panic(err)
	}
	return f
}

// combinator kinds
const (
	opAnd = '&'
	opOr  = '|'
	opNot = '!'
)

// comparison kinds
const (
	cmpEq       = "="
	cmpApprox   = "~="
	cmpLess     = "<"
	cmpLessEq   = "<="
	cmpGreater  = ">"
	cmpGreatEq  = ">="
	cmpPresence = "=*"
)

type combinator struct {
	op   byte
	subs []Filter
}

func (c *combinator) Matches(props map[string]any) bool {
	switch c.op {
	case opAnd:
		for _, sub := range c.subs {
			if !sub.Matches(props) {
				return false
			}
		}
		return true
	case opOr:
		for _, sub := range c.subs {
			if sub.Matches(props) {
				return true
			}
		}
		return false
	default: // opNot
		return !c.subs[0].Matches(props)
	}
}

func (c *combinator) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteByte(c.op)
	for _, sub := range c.subs {
		sb.WriteString(sub.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// criterion is a single attribute comparison.
type criterion struct {
	attr     string
	op       string
	value    string
	segments []string // non-nil for wildcard equality patterns
}

func (c *criterion) Matches(props map[string]any) bool {
	value, ok := props[c.attr]
	if !ok || value == nil {
		return false
	}
	for _, element := range propertyValues(value) {
		if c.matchesValue(element) {
			return true
		}
	}
	return false
}

func (c *criterion) matchesValue(value any) bool {
	switch c.op {
	case cmpPresence:
		return true
	case cmpEq:
		if c.segments != nil {
			return matchSegments(stringify(value), c.segments)
		}
		return equalValue(value, c.value)
	case cmpApprox:
		folded := foldApprox(stringify(value))
		if c.segments != nil {
			segs := make([]string, len(c.segments))
			for i, s := range c.segments {
				segs[i] = foldApprox(s)
			}
			return matchSegments(folded, segs)
		}
		return folded == foldApprox(c.value)
	default:
		cmp, ok := compareValues(value, c.value)
		if !ok {
			return false
		}
		switch c.op {
		case cmpLess:
			return cmp < 0
		case cmpLessEq:
			return cmp <= 0
		case cmpGreater:
			return cmp > 0
		case cmpGreatEq:
			return cmp >= 0
		}
		return false
	}
}

func (c *criterion) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteString(escapeFilterValue(c.attr))
	switch c.op {
	case cmpPresence:
		sb.WriteString("=*")
	case cmpEq:
		sb.WriteByte('=')
		if c.segments != nil {
			for i, seg := range c.segments {
				if i > 0 {
					sb.WriteByte('*')
				}
				sb.WriteString(escapeFilterValue(seg))
			}
		} else {
			sb.WriteString(escapeFilterValue(c.value))
		}
	default:
		sb.WriteString(c.op)
		sb.WriteString(escapeFilterValue(c.value))
	}
	sb.WriteByte(')')
	return sb.String()
}

// propertyValues flattens multi-valued properties: slices and arrays are
// matched element-wise, everything else is a single value.
func propertyValues(value any) []any {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if _, isBytes := value.([]byte); isBytes {
			return []any{value}
		}
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, rv.Index(i).Interface())
		}
		return out
	default:
		return []any{value}
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// equalValue compares a property value against a filter literal. The
// literal is coerced to the property's concrete type first, so (size=12)
// matches the integer 12 and (enabled=true) matches the boolean true.
func equalValue(value any, literal string) bool {
	if s, ok := value.(string); ok {
		return s == literal
	}
	t := reflect.TypeOf(value)
	if t != nil && t.Comparable() {
		if coerced, err := cast.FromType(literal, t); err == nil && coerced == value {
			return true
		}
	}
	return stringify(value) == literal
}

// compareValues orders a property value against a filter literal.
// Numeric when both sides parse as numbers, lexical otherwise.
func compareValues(value any, literal string) (int, bool) {
	if vf, ok := toFloat(value); ok {
		if lf, err := strconv.ParseFloat(strings.TrimSpace(literal), 64); err == nil {
			switch {
			case vf < lf:
				return -1, true
			case vf > lf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(stringify(value), literal), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// foldApprox normalizes a string for approximate (~=) comparison:
// lower-cased with all whitespace removed.
func foldApprox(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// matchSegments implements wildcard matching. segments are the literal
// parts between stars; an empty leading/trailing segment means the
// pattern started/ended with a star.
func matchSegments(s string, segments []string) bool {
	if len(segments) == 1 {
		return s == segments[0]
	}
	first := segments[0]
	if first != "" {
		if !strings.HasPrefix(s, first) {
			return false
		}
		s = s[len(first):]
	}
	last := segments[len(segments)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	for _, mid := range segments[1 : len(segments)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}

func escapeFilterValue(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', ')', '*', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// filterParser is a recursive descent parser over the LDAP filter grammar.
type filterParser struct {
	text string
	pos  int
}

func (p *filterParser) errorf(pos int, format string, args ...any) error {
	return &FilterSyntaxError{Text: p.text, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *filterParser) skipSpaces() {
	for p.pos < len(p.text) && (p.text[p.pos] == ' ' || p.text[p.pos] == '\t') {
		p.pos++
	}
}

func (p *filterParser) parseFilter() (Filter, error) {
	if p.pos >= len(p.text) || p.text[p.pos] != '(' {
		return nil, p.errorf(p.pos, "expected '('")
	}
	p.pos++
	p.skipSpaces()
	if p.pos >= len(p.text) {
		return nil, p.errorf(p.pos, "unterminated filter")
	}

	var result Filter
	switch p.text[p.pos] {
	case opAnd, opOr:
		op := p.text[p.pos]
		p.pos++
		subs, err := p.parseFilterList()
		if err != nil {
			return nil, err
		}
		if len(subs) == 0 {
			return nil, p.errorf(p.pos, "combinator %q requires at least one sub-filter", string(op))
		}
		result = &combinator{op: op, subs: subs}
	case opNot:
		p.pos++
		p.skipSpaces()
		sub, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		result = &combinator{op: opNot, subs: []Filter{sub}}
	default:
		crit, err := p.parseCriterion()
		if err != nil {
			return nil, err
		}
		result = crit
	}

	p.skipSpaces()
	if p.pos >= len(p.text) || p.text[p.pos] != ')' {
		return nil, p.errorf(p.pos, "expected ')'")
	}
	p.pos++
	return result, nil
}

func (p *filterParser) parseFilterList() ([]Filter, error) {
	var subs []Filter
	for {
		p.skipSpaces()
		if p.pos >= len(p.text) || p.text[p.pos] != '(' {
			return subs, nil
		}
		sub, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
}

func (p *filterParser) parseCriterion() (Filter, error) {
	attrStart := p.pos
	attr, err := p.parseAttribute()
	if err != nil {
		return nil, err
	}
	if attr == "" {
		return nil, p.errorf(attrStart, "expected attribute name")
	}

	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}

	value, segments, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if op == cmpEq {
		if segments != nil && len(segments) == 2 && segments[0] == "" && segments[1] == "" && value == "" {
			// lone star: presence test
			return &criterion{attr: attr, op: cmpPresence}, nil
		}
		return &criterion{attr: attr, op: cmpEq, value: value, segments: segments}, nil
	}
	if segments != nil && op != cmpApprox {
		return nil, p.errorf(p.pos, "wildcards are only allowed in '=' and '~=' comparisons")
	}
	return &criterion{attr: attr, op: op, value: value, segments: segments}, nil
}

func (p *filterParser) parseAttribute() (string, error) {
	var sb strings.Builder
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		switch c {
		case '=', '<', '>', '~':
			return strings.TrimSpace(sb.String()), nil
		case '(', ')':
			return "", p.errorf(p.pos, "unexpected %q in attribute name", string(c))
		case '\\':
			if p.pos+1 >= len(p.text) {
				return "", p.errorf(p.pos, "dangling escape character")
			}
			p.pos++
			sb.WriteByte(p.text[p.pos])
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf(p.pos, "unterminated criterion")
}

func (p *filterParser) parseOperator() (string, error) {
	if p.pos >= len(p.text) {
		return "", p.errorf(p.pos, "expected comparison operator")
	}
	switch c := p.text[p.pos]; c {
	case '=':
		p.pos++
		return cmpEq, nil
	case '~':
		if p.pos+1 >= len(p.text) || p.text[p.pos+1] != '=' {
			return "", p.errorf(p.pos, "'~' must be followed by '='")
		}
		p.pos += 2
		return cmpApprox, nil
	case '<':
		if p.pos+1 < len(p.text) && p.text[p.pos+1] == '=' {
			p.pos += 2
			return cmpLessEq, nil
		}
		p.pos++
		return cmpLess, nil
	case '>':
		if p.pos+1 < len(p.text) && p.text[p.pos+1] == '=' {
			p.pos += 2
			return cmpGreatEq, nil
		}
		p.pos++
		return cmpGreater, nil
	default:
		return "", p.errorf(p.pos, "expected comparison operator, got %q", string(c))
	}
}

// parseValue reads a comparison value up to the closing parenthesis.
// It returns either a plain literal (segments == nil) or the list of
// literal segments between unescaped stars.
func (p *filterParser) parseValue() (string, []string, error) {
	var segments []string
	var sb strings.Builder
	sawStar := false
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		switch c {
		case ')':
			if sawStar {
				segments = append(segments, sb.String())
				return "", segments, nil
			}
			return sb.String(), nil, nil
		case '(':
			return "", nil, p.errorf(p.pos, "unexpected '(' in value")
		case '*':
			sawStar = true
			segments = append(segments, sb.String())
			sb.Reset()
			p.pos++
		case '\\':
			if p.pos+1 >= len(p.text) {
				return "", nil, p.errorf(p.pos, "dangling escape character")
			}
			p.pos++
			sb.WriteByte(p.text[p.pos])
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", nil, p.errorf(p.pos, "unterminated value")
}
