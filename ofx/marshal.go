package ofx

import (
	"bytes"
	"strings"

	"github.com/aclindsa/xml"
	"github.com/pkg/errors"
)

// MarshalOptions control document layout
type MarshalOptions struct {
	// Indent is repeated once per nesting level. Empty disables indentation.
	Indent string
	// CRLF ends lines with \r\n instead of \n
	CRLF bool
}

var sgmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Marshal renders the document in its header's format. SGML leaves are written without closing tags.
func (d *Document) Marshal(opts MarshalOptions) ([]byte, error) {
	if d.Root == nil {
		return nil, errors.New("Document has no root element")
	}
	w := writer{opts: opts, format: d.Header.Format, newline: "\n"}
	if opts.CRLF {
		w.newline = "\r\n"
	}
	switch d.Header.Format {
	case SGML:
		w.sgmlHeader(d.Header)
	case XML:
		w.xmlHeader(d.Header)
	default:
		return nil, errors.Errorf("Unsupported document format: %s", d.Header.Format)
	}
	if err := w.element(d.Root, 0); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf     bytes.Buffer
	opts    MarshalOptions
	format  Format
	newline string
}

func orNone(s string) string {
	if s == "" {
		return "NONE"
	}
	return s
}

func orDefault(s, defaultValue string) string {
	if s == "" {
		return defaultValue
	}
	return s
}

func (w *writer) line(s ...string) {
	for _, part := range s {
		w.buf.WriteString(part)
	}
	w.buf.WriteString(w.newline)
}

func (w *writer) sgmlHeader(h Header) {
	w.line("OFXHEADER:100")
	w.line("DATA:OFXSGML")
	w.line("VERSION:", orDefault(h.Version, "102"))
	w.line("SECURITY:", orNone(h.Security))
	w.line("ENCODING:", orDefault(h.Encoding, "USASCII"))
	w.line("CHARSET:", orDefault(h.Charset, "1252"))
	w.line("COMPRESSION:", orNone(h.Compression))
	w.line("OLDFILEUID:", orNone(h.OldFileUID))
	w.line("NEWFILEUID:", orNone(h.NewFileUID))
	w.line()
}

func (w *writer) xmlHeader(h Header) {
	w.line(`<?xml version="1.0" encoding="UTF-8" standalone="no"?>`)
	w.line(`<?OFX OFXHEADER="200" VERSION="`, orDefault(h.Version, "200"),
		`" SECURITY="`, orNone(h.Security),
		`" OLDFILEUID="`, orNone(h.OldFileUID),
		`" NEWFILEUID="`, orNone(h.NewFileUID), `"?>`)
}

func (w *writer) escape(s string) error {
	if w.format == SGML {
		_, err := sgmlEscaper.WriteString(&w.buf, s)
		return err
	}
	return xml.EscapeText(&w.buf, []byte(s))
}

func (w *writer) element(el *Element, depth int) error {
	if el.Name == "" {
		return errors.New("Element name must not be empty")
	}
	if el.Value != "" && len(el.Children) > 0 {
		return errors.Errorf("Element <%s> has both a value and children", el.Name)
	}
	indent := strings.Repeat(w.opts.Indent, depth)

	if el.Value != "" {
		w.buf.WriteString(indent + "<" + el.Name + ">")
		if err := w.escape(el.Value); err != nil {
			return err
		}
		if w.format == XML {
			w.buf.WriteString("</" + el.Name + ">")
		}
		w.line()
		return nil
	}

	w.line(indent, "<", el.Name, ">")
	for _, child := range el.Children {
		if err := w.element(child, depth+1); err != nil {
			return err
		}
	}
	w.line(indent, "</", el.Name, ">")
	return nil
}
