package ofx

import (
	"bytes"
	"io"
	"strings"

	"github.com/aclindsa/xml"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/htmlindex"
)

// Mode selects how element closure is handled while parsing
type Mode int

const (
	// ModeAuto picks ModeStrict for XML headers and ModeTagSoup otherwise
	ModeAuto Mode = iota
	// ModeTagSoup closes elements implicitly, as OFX 1.x SGML allows.
	// A leaf with text is closed by the next tag, and a closing tag closes every element opened after its match.
	ModeTagSoup
	// ModeStrict requires every element to be closed in order
	ModeStrict
)

// Sniff returns true if raw looks like an OFX document, without fully parsing it
func Sniff(raw []byte) bool {
	return bytes.Contains(bytes.ToUpper(raw), []byte("<OFX>"))
}

// Parse reads a whole OFX document from r
func Parse(r io.Reader, mode Mode) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Read OFX document")
	}
	return ParseBytes(raw, mode)
}

// ParseBytes parses an OFX document. Any syntax problem is a MalformedDocument error.
func ParseBytes(raw []byte, mode Mode) (*Document, error) {
	header, body, err := parseHeader(raw)
	if err != nil {
		return nil, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid OFX header")
	}
	if header.Format == SGML {
		enc, err := sgmlEncoding(header)
		if err != nil {
			return nil, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid OFX header")
		}
		if enc != nil {
			body, err = enc.NewDecoder().Bytes(body)
			if err != nil {
				return nil, sErrors.Wrap(sErrors.MalformedDocument, err, "Decode "+header.Charset)
			}
		}
	}

	if mode == ModeAuto {
		mode = ModeTagSoup
		if header.Format == XML {
			mode = ModeStrict
		}
	}
	root, err := parseBody(body, mode == ModeStrict)
	if err != nil {
		return nil, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid OFX body")
	}
	return &Document{Header: header, Root: root}, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, errors.Wrapf(err, "Unsupported encoding %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

func parseBody(body []byte, strict bool) (*Element, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	// tolerate bare '&' and unknown entities, which many servers send. Nesting is checked by the tree builder.
	decoder.Strict = false
	decoder.CharsetReader = charsetReader

	tree := treeBuilder{strict: strict}
	for {
		token, err := decoder.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			err = tree.start(elementName(t.Name))
		case xml.EndElement:
			err = tree.end(elementName(t.Name))
		case xml.CharData:
			err = tree.text(string(t))
		}
		if err != nil {
			return nil, err
		}
	}
	return tree.finish()
}

func elementName(name xml.Name) string {
	if name.Space != "" {
		return strings.ToUpper(name.Space + ":" + name.Local)
	}
	return strings.ToUpper(name.Local)
}

type treeBuilder struct {
	strict bool
	root   *Element
	stack  []*Element
}

func (b *treeBuilder) top() *Element {
	if len(b.stack) == 0 {
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *treeBuilder) start(name string) error {
	if top := b.top(); top != nil && top.Value != "" {
		if b.strict {
			return errors.Errorf("Element <%s> is not closed before <%s>", top.Name, name)
		}
		// a leaf with text is implicitly closed by the next tag
		b.stack = b.stack[:len(b.stack)-1]
	}
	if !b.strict {
		b.closeImplicit(name)
	}

	el := &Element{Name: name}
	switch top := b.top(); {
	case top != nil:
		top.Children = append(top.Children, el)
	case b.root == nil:
		b.root = el
	default:
		return errors.Errorf("Unexpected element <%s> after </%s>", name, b.root.Name)
	}
	b.stack = append(b.stack, el)
	return nil
}

// closeImplicit closes what a start tag for name ends in tag soup: an empty leaf, and an open
// aggregate of the same name along with everything inside it, since name starts its next sibling.
func (b *treeBuilder) closeImplicit(name string) {
	if top := b.top(); len(b.stack) > 1 && len(top.Children) == 0 && isLeaf(top.Name) {
		b.stack = b.stack[:len(b.stack)-1]
	}
	if !aggregates[name] {
		return
	}
	// the root stays open so a stray <OFX> is reported
	for i := len(b.stack) - 1; i > 0; i-- {
		if b.stack[i].Name == name {
			b.stack = b.stack[:i]
			return
		}
	}
}

func (b *treeBuilder) text(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	top := b.top()
	if top == nil {
		return errors.Errorf("Unexpected text outside of elements: %q", s)
	}
	if len(top.Children) > 0 {
		return errors.Errorf("Unexpected text %q in aggregate <%s>", s, top.Name)
	}
	top.Value += s
	return nil
}

func (b *treeBuilder) end(name string) error {
	for i := len(b.stack) - 1; i >= 0; i-- {
		if b.stack[i].Name != name {
			continue
		}
		if b.strict && i != len(b.stack)-1 {
			return errors.Errorf("Element <%s> closed before <%s>", name, b.top().Name)
		}
		b.stack = b.stack[:i]
		return nil
	}
	if b.strict {
		return errors.Errorf("Unexpected closing tag </%s>", name)
	}
	// unmatched closing tags carry no information
	return nil
}

func (b *treeBuilder) finish() (*Element, error) {
	if b.root == nil {
		return nil, errors.New("Missing <OFX> element")
	}
	if b.strict && len(b.stack) > 0 {
		return nil, errors.Errorf("Element <%s> is not closed", b.top().Name)
	}
	if b.root.Name != "OFX" {
		return nil, errors.Errorf("Root element must be <OFX>, found <%s>", b.root.Name)
	}
	return b.root, nil
}
