package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ammar0144/repo4go/pkg/entity"
)

// Shape is the form a method's result takes
type Shape int

const (
	// ShapeDefault lets the parser infer the shape from the method name
	ShapeDefault Shape = iota
	ShapeSequence
	ShapeSingle
	ShapeOptional
	ShapePage
	ShapeSlice
	ShapeCount
	ShapeExists
	ShapeScalar
	ShapeProjection
	ShapeDelete
)

func (s Shape) String() string {
	switch s {
	case ShapeSequence:
		return "sequence"
	case ShapeSingle:
		return "single"
	case ShapeOptional:
		return "optional"
	case ShapePage:
		return "page"
	case ShapeSlice:
		return "slice"
	case ShapeCount:
		return "count"
	case ShapeExists:
		return "exists"
	case ShapeScalar:
		return "scalar"
	case ShapeProjection:
		return "projection"
	case ShapeDelete:
		return "delete"
	default:
		return "default"
	}
}

// LockMode is the row lock a query acquires
type LockMode int

const (
	LockNone LockMode = iota
	LockPessimisticRead
	LockPessimisticWrite
)

// FetchStrategy decides when an association is loaded
type FetchStrategy int

const (
	FetchLazy FetchStrategy = iota
	FetchEagerJoin
	FetchEagerGraph
)

// Method declares a repository query. Statement, when set, is used verbatim
// and the name is not parsed; otherwise the query is derived from Name.
type Method struct {
	Name           string
	Params         []string
	Statement      string
	CountStatement string
	Shape          Shape
	// Select lists the attributes projected by derived scalar and projection methods
	Select   []string
	Lock     LockMode
	Fetch    map[string]FetchStrategy
	ReadOnly bool
}

// Plan is a parsed, validated method ready for execution
type Plan struct {
	Method    Method
	Entity    *entity.Metadata
	Shape     Shape
	Tree      *Tree
	Statement *Statement
	Count     *Statement
	Sort      Sort
	Limit     int
	Columns   []string
}

type verb int

const (
	verbFind verb = iota
	verbCount
	verbExists
	verbDelete
)

var verbs = []struct {
	prefix string
	verb   verb
}{
	{"find", verbFind},
	{"read", verbFind},
	{"get", verbFind},
	{"query", verbFind},
	{"search", verbFind},
	{"stream", verbFind},
	{"count", verbCount},
	{"exists", verbExists},
	{"delete", verbDelete},
	{"remove", verbDelete},
}

// Parse validates a declaration against the entity and builds its plan.
// Declarations are parsed once, when the repository is built; an error here
// means the declaration is wrong, not the data.
func Parse(meta *entity.Metadata, m Method) (*Plan, error) {
	if m.Name == "" {
		return nil, malformed(m.Name, 0, "method name is empty")
	}
	p := &Plan{Method: m, Entity: meta}

	for name := range m.Fetch {
		if _, ok := meta.Association(name); !ok {
			return nil, malformed(m.Name, 0, "fetch plan names unknown association %s", name)
		}
	}
	for _, name := range m.Select {
		a, ok := meta.Attribute(name)
		if !ok {
			return nil, malformed(m.Name, 0, "select names unknown attribute %s", name)
		}
		p.Columns = append(p.Columns, a.Column)
	}

	if m.Statement != "" {
		return parseStatement(p)
	}
	return parseName(p)
}

func parseStatement(p *Plan) (*Plan, error) {
	m := p.Method
	st, err := CompileStatement(m.Statement, m.Params)
	if err != nil {
		return nil, withMethod(err, m.Name)
	}
	p.Statement = st
	if m.CountStatement != "" {
		count, err := CompileStatement(m.CountStatement, m.Params)
		if err != nil {
			return nil, withMethod(err, m.Name)
		}
		p.Count = count
	}
	p.Shape = m.Shape
	if p.Shape == ShapeDefault {
		p.Shape = ShapeSequence
	}
	if p.Shape == ShapeDelete {
		return nil, malformed(m.Name, 0, "statements cannot be declared with the delete shape, declare a bulk mutation")
	}
	return p, nil
}

func withMethod(err error, method string) error {
	if u, ok := err.(*UnboundParameterError); ok {
		u.Method = method
		return u
	}
	return err
}

func parseName(p *Plan) (*Plan, error) {
	m := p.Method
	name := m.Name

	v, pos, ok := matchVerb(name)
	if !ok {
		return nil, malformed(name, 0, "name must start with find, read, get, query, search, stream, count, exists, delete or remove")
	}

	rest := name[pos:]
	subject, predicate, hasBy := cutBy(rest)
	predPos := pos + len(subject)
	if hasBy {
		predPos += len("By")
	} else {
		if i := strings.Index(subject, "OrderBy"); i >= 0 {
			subject, predicate = subject[:i], subject[i:]
			predPos = pos + i
		}
		if subject != "" && subject != "All" {
			return nil, malformed(name, pos, "missing By before the predicate")
		}
	}

	hint, limit, err := parseSubject(p.Entity, name, pos, subject)
	if err != nil {
		return nil, err
	}
	p.Limit = limit

	orders := ""
	if i := strings.Index(predicate, "OrderBy"); i >= 0 {
		orders = predicate[i+len("OrderBy"):]
		predicate = predicate[:i]
		if orders == "" {
			return nil, malformed(name, predPos+i, "OrderBy without attributes")
		}
	}
	if hasBy && predicate == "" && orders == "" {
		return nil, malformed(name, predPos, "By without a predicate")
	}

	if predicate != "" {
		tree, err := parsePredicate(p.Entity, name, predPos, predicate)
		if err != nil {
			return nil, err
		}
		p.Tree = tree
	}
	if orders != "" {
		s, err := parseOrders(p.Entity, name, predPos+len(predicate)+len("OrderBy"), orders)
		if err != nil {
			return nil, err
		}
		p.Sort = s
	}

	if len(m.Params) > 0 && len(m.Params) != p.Tree.Slots() {
		return nil, malformed(name, predPos, "declares %d parameters but the predicate binds %d values",
			len(m.Params), p.Tree.Slots())
	}

	shape, err := resolveShape(name, v, m.Shape, hint)
	if err != nil {
		return nil, err
	}
	p.Shape = shape
	if (shape == ShapeScalar || shape == ShapeProjection) && len(p.Columns) == 0 {
		return nil, malformed(name, 0, "%s methods must list the selected attributes", shape)
	}
	return p, nil
}

func matchVerb(name string) (verb, int, bool) {
	for _, v := range verbs {
		if strings.HasPrefix(name, v.prefix) && boundary(name, len(v.prefix)) {
			return v.verb, len(v.prefix), true
		}
	}
	return 0, 0, false
}

// cutBy splits at the first By that starts a word and is not part of OrderBy
func cutBy(s string) (subject, predicate string, found bool) {
	for i := 0; i+2 <= len(s); i++ {
		if s[i:i+2] == "By" && boundary(s, i+2) && !strings.HasSuffix(s[:i], "Order") {
			return s[:i], s[i+2:], true
		}
	}
	return s, "", false
}

// boundary reports whether position i in s ends a PascalCase word
func boundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsUpper(r) || unicode.IsDigit(r)
}

func parseSubject(meta *entity.Metadata, name string, pos int, subject string) (Shape, int, error) {
	hint := ShapeDefault
	limit := 0
	for _, w := range words(subject) {
		switch {
		case w == "List":
			hint = ShapeSequence
		case w == "Optional":
			hint = ShapeOptional
		case w == "Page":
			hint = ShapePage
		case w == "Slice":
			hint = ShapeSlice
		case isLimit(w):
			digits := strings.TrimLeft(w, "FirstTop")
			if digits == "" {
				limit = 1
				continue
			}
			n, err := strconv.Atoi(digits)
			if err != nil || n <= 0 {
				return 0, 0, malformed(name, pos, "invalid result limit %q", w)
			}
			limit = n
		}
	}
	if hint == ShapeDefault {
		if i := strings.Index(subject, meta.Name); i >= 0 && boundary(subject, i+len(meta.Name)) {
			hint = ShapeSingle
		} else if limit == 1 {
			hint = ShapeOptional
		}
	}
	return hint, limit, nil
}

// words splits PascalCase text, keeping digits with the preceding word
// isLimit reports whether w is First or Top, optionally followed by digits
func isLimit(w string) bool {
	for _, kw := range []string{"First", "Top"} {
		if rest, ok := strings.CutPrefix(w, kw); ok {
			return strings.TrimLeft(rest, "0123456789") == ""
		}
	}
	return false
}

func words(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if i > start && unicode.IsUpper(r) {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// ParsePredicate parses a bare predicate fragment such as
// "AgeGreaterThanEqualAndUsername". Error positions are relative to the
// fragment; method names the declaration for error messages.
func ParsePredicate(meta *entity.Metadata, method, fragment string) (*Tree, error) {
	if fragment == "" {
		return nil, nil
	}
	return parsePredicate(meta, method, 0, fragment)
}

func parsePredicate(meta *entity.Metadata, name string, base int, s string) (*Tree, error) {
	names := attributeNames(meta)
	tree := &Tree{}
	i := 0
	for {
		attr := matchWord(s[i:], names)
		if attr == "" {
			if kw, _ := matchKeyword(s[i:]); kw != "" {
				return nil, malformed(name, base+i, "operator %s has no attribute", kw)
			}
			if hasWord(s[i:], "And") || hasWord(s[i:], "Or") {
				return nil, malformed(name, base+i, "connective has no preceding clause")
			}
			return nil, malformed(name, base+i, "%q is not an attribute of %s", prefixWord(s[i:]), meta.Name)
		}
		a, _ := meta.Attribute(attr)
		i += len(attr)

		clause := Clause{Attribute: a.Name, Column: a.Column, Operator: Equals, Slot: len(tree.Clauses)}
		if kw, op := matchKeyword(s[i:]); kw != "" {
			clause.Operator = op
			i += len(kw)
		}

		switch {
		case i == len(s):
			tree.Clauses = append(tree.Clauses, clause)
			return tree, nil
		case hasWord(s[i:], "And"):
			clause.Next = And
			i += len("And")
		case hasWord(s[i:], "Or"):
			clause.Next = Or
			i += len("Or")
		default:
			return nil, malformed(name, base+i, "unexpected %q after %s", prefixWord(s[i:]), a.Name)
		}
		tree.Clauses = append(tree.Clauses, clause)
		if i == len(s) {
			return nil, malformed(name, base+i, "dangling connective")
		}
	}
}

func parseOrders(meta *entity.Metadata, name string, base int, s string) (Sort, error) {
	names := attributeNames(meta)
	var out Sort
	i := 0
	for i < len(s) {
		attr := matchWord(s[i:], names)
		if attr == "" {
			return nil, malformed(name, base+i, "%q is not an attribute of %s", prefixWord(s[i:]), meta.Name)
		}
		i += len(attr)
		order := Asc(attr)
		switch {
		case hasWord(s[i:], "Desc"):
			order.Direction = Descending
			i += len("Desc")
		case hasWord(s[i:], "Asc"):
			i += len("Asc")
		}
		out = append(out, order)
	}
	return out, nil
}

// attributeNames returns attribute names longest first so the longest match wins
func attributeNames(meta *entity.Metadata) []string {
	names := meta.AttributeNames()
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return names
}

func matchWord(s string, candidates []string) string {
	for _, c := range candidates {
		if hasWord(s, c) {
			return c
		}
	}
	return ""
}

func matchKeyword(s string) (string, Operator) {
	for _, k := range keywords {
		if hasWord(s, k.word) {
			return k.word, k.op
		}
	}
	return "", 0
}

func hasWord(s, w string) bool {
	return strings.HasPrefix(s, w) && boundary(s, len(w))
}

func prefixWord(s string) string {
	ws := words(s)
	if len(ws) == 0 {
		return s
	}
	return ws[0]
}

func resolveShape(name string, v verb, declared, hint Shape) (Shape, error) {
	switch v {
	case verbCount:
		if declared != ShapeDefault && declared != ShapeCount {
			return 0, malformed(name, 0, "count methods cannot return %s", declared)
		}
		return ShapeCount, nil
	case verbExists:
		if declared != ShapeDefault && declared != ShapeExists {
			return 0, malformed(name, 0, "exists methods cannot return %s", declared)
		}
		return ShapeExists, nil
	case verbDelete:
		if declared != ShapeDefault && declared != ShapeDelete {
			return 0, malformed(name, 0, "delete methods cannot return %s", declared)
		}
		return ShapeDelete, nil
	}
	switch declared {
	case ShapeCount, ShapeExists, ShapeDelete:
		return 0, malformed(name, 0, "find methods cannot return %s", declared)
	case ShapeDefault:
		if hint == ShapeDefault {
			return ShapeSequence, nil
		}
		return hint, nil
	}
	return declared, nil
}

// Bind orders call arguments for execution
func (p *Plan) Bind(args []any) ([]any, error) {
	if p.Statement != nil {
		return p.Statement.Bind(p.Method.Params, args)
	}
	if want := p.Tree.Slots(); len(args) != want {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrArgumentCount, p.Method.Name, want, len(args))
	}
	return args, nil
}

// BindCount orders call arguments for the declared count statement
func (p *Plan) BindCount(args []any) ([]any, error) {
	if p.Count == nil {
		return p.Bind(args)
	}
	return p.Count.Bind(p.Method.Params, args)
}

// FetchOf returns the strategy for an association, defaulting to lazy
func (p *Plan) FetchOf(association string) FetchStrategy {
	return p.Method.Fetch[association]
}

// Associations returns the associations using strategy s, sorted by name
func (p *Plan) Associations(s FetchStrategy) []string {
	var out []string
	for name, strategy := range p.Method.Fetch {
		if strategy == s {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
