package rules

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// Document is a decoded rules file before compilation.
type Document struct {
	Version    string  `yaml:"version,omitempty"`
	Exceptions []Entry `yaml:"exceptions"`
}

// Entry is one exception as written in the file. IP, Range and DBName accept
// either a scalar or a list; both decode to a list. A nil list means the key
// was absent, an empty one that it was given with no items.
type Entry struct {
	Ticket  string     `yaml:"ticket,omitempty"`
	Comment string     `yaml:"comment,omitempty"`
	From    string     `yaml:"from"`
	To      string     `yaml:"to"`
	IP      stringList `yaml:"ip,omitempty"`
	Range   stringList `yaml:"range,omitempty"`
	DBName  stringList `yaml:"dbname,omitempty"`
	Value   Value      `yaml:"value,omitempty"`

	// line in the source file, for problem reports
	Line int `yaml:"-"`

	// err is set when the entry could not be decoded; Compile drops it
	err error
}

// Err reports why the entry could not be decoded, or nil.
func (e Entry) Err() error { return e.err }

// UnmarshalYAML decodes one exception. It accepts the upper case "IP" key as
// an alias of "ip", merging the two when both are given. A malformed entry
// never fails the document: the error is kept on the Entry for Compile.
func (e *Entry) UnmarshalYAML(n *yaml.Node) error {
	*e = Entry{Line: n.Line}
	if n.Kind != yaml.MappingNode {
		e.err = fmt.Errorf("line %d: exception must be a mapping", n.Line)
		return nil
	}
	e.Ticket = scalarField(n, "ticket")

	// pull ip and IP out so they can be merged without a duplicate key
	rest := &yaml.Node{Kind: yaml.MappingNode, Tag: n.Tag, Line: n.Line, Column: n.Column}
	var ips []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		if k := n.Content[i].Value; k == "ip" || k == "IP" {
			ips = append(ips, n.Content[i+1])
			continue
		}
		rest.Content = append(rest.Content, n.Content[i], n.Content[i+1])
	}

	type plain Entry
	var p plain
	if err := rest.Decode(&p); err != nil {
		e.err = err
		return nil
	}
	*e = Entry(p)
	e.Line = n.Line

	for _, v := range ips {
		var l stringList
		if err := v.Decode(&l); err != nil {
			e.err = fmt.Errorf("ip: %w", err)
			return nil
		}
		if l != nil {
			if e.IP == nil {
				e.IP = stringList{}
			}
			e.IP = append(e.IP, l...)
		}
	}
	return nil
}

// scalarField returns the value of key in mapping m when it is a scalar.
func scalarField(m *yaml.Node, key string) string {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key && m.Content[i+1].Kind == yaml.ScalarNode {
			return m.Content[i+1].Value
		}
	}
	return ""
}

type stringList []string

// IsZero keeps a given-but-empty list through omitempty.
func (l stringList) IsZero() bool { return l == nil }

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = stringList{strings.TrimSpace(n.Value)}
		return nil
	case yaml.SequenceNode:
		out := make(stringList, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list items must be scalars", c.Line)
			}
			out = append(out, strings.TrimSpace(c.Value))
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
	}
}

// Value is the optional throttle value as written. Raw keeps the literal so a
// non-numeric value can be reported.
type Value struct {
	Raw   string
	Int   int
	Valid bool
}

// UnmarshalYAML never fails: a list or mapping is kept as flow-style text,
// which is not a number, so the default applies with a warning.
func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		*v = Value{Raw: flowText(n)}
		return nil
	}
	if n.Tag == "!!null" {
		*v = Value{}
		return nil
	}
	*v = parseValue(n.Value)
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	if v.Valid {
		return v.Int, nil
	}
	if v.Raw == "" {
		return nil, nil
	}
	return v.Raw, nil
}

func flowText(n *yaml.Node) string {
	c := *n
	c.Style |= yaml.FlowStyle
	out, err := yaml.Marshal(&c)
	if err != nil || len(bytes.TrimSpace(out)) == 0 {
		return fmt.Sprintf("<%s at line %d>", kindName(n.Kind), n.Line)
	}
	return string(bytes.TrimSpace(out))
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "list"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}

// IsZero lets omitempty drop an absent value.
func (v Value) IsZero() bool { return v.Raw == "" && !v.Valid }

// parseValue accepts integers and decimal or exponent numbers, truncating
// toward zero. Anything else is kept as Raw with Valid false.
func parseValue(raw string) Value {
	s := strings.TrimSpace(raw)
	v := Value{Raw: raw}
	if s == "" {
		return v
	}
	if n, err := strconv.Atoi(s); err == nil {
		v.Int, v.Valid = n, true
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return v
	}
	v.Int, v.Valid = int(f), true
	return v
}

// Parse decodes a rules file. It fails only on malformed YAML or a document
// that is not a mapping with an exceptions list; bad entries are left for
// Compile to report.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, xerrors.New("rules: empty document")
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, xerrors.Wrap(err, "rules: parse yaml")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, xerrors.New("rules: document must be a mapping")
	}
	if !hasKey(root.Content[0], "exceptions") {
		return nil, xerrors.New("rules: missing exceptions list")
	}

	var doc Document
	if err := root.Content[0].Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "rules: decode")
	}
	return &doc, nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			return v.Kind == yaml.SequenceNode || (v.Kind == yaml.ScalarNode && v.Tag == "!!null")
		}
	}
	return false
}

// Marshal renders doc back to YAML. It refuses a document with an entry that
// did not decode, since that entry cannot be written back faithfully.
func Marshal(doc *Document) ([]byte, error) {
	for i, e := range doc.Exceptions {
		if e.err != nil {
			return nil, xerrors.Newf("rules: exception #%d: %v", i, e.err)
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, xerrors.Wrap(err, "rules: encode")
	}
	if err := enc.Close(); err != nil {
		return nil, xerrors.Wrap(err, "rules: encode")
	}
	return buf.Bytes(), nil
}
