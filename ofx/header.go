package ofx

import (
	"bytes"
	"strings"

	"github.com/johnstarich/go/regext"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// Format is the wire format of a document
type Format int

const (
	// Unknown documents had no recognizable header
	Unknown Format = iota
	// SGML is the OFX 1.x format
	SGML
	// XML is the OFX 2.x format
	XML
)

func (f Format) String() string {
	switch f {
	case SGML:
		return "SGML"
	case XML:
		return "XML"
	default:
		return "Unknown"
	}
}

// Header holds the document header fields
type Header struct {
	Format      Format
	Version     string
	Security    string
	Encoding    string
	Charset     string
	Compression string
	OldFileUID  string
	NewFileUID  string
}

var (
	utf8BOM = []byte("\xef\xbb\xbf")

	sgmlHeaderField = regext.MustCompile(`
		([A-Z]+)          # key
		[\t\x20]* : [\t\x20]*
		([^\s<]*)         # value runs to the end of the line
	`)
	ofxProcInst = regext.MustCompile(`
		(?i)
		<\? \s* OFX \s+
		([^?]*)           # attributes
		\?>
	`)
	xmlDecl = regext.MustCompile(`
		(?i)
		^<\? \s* xml \s+
		([^?]*)
		\?>
	`)
	procInstAttr = regext.MustCompile(`
		([A-Za-z]+) \s* = \s*
		["']([^"']*)["']
	`)
)

// parseHeader splits raw into its header and the markup that follows it
func parseHeader(raw []byte) (Header, []byte, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	raw = bytes.TrimLeft(raw, " \t\r\n")

	switch {
	case bytes.HasPrefix(raw, []byte("OFXHEADER")):
		return parseSGMLHeader(raw)
	case bytes.HasPrefix(raw, []byte("<?")):
		return parseXMLHeader(raw)
	case bytes.HasPrefix(raw, []byte("<")):
		// headerless: some servers omit it entirely
		return Header{Format: Unknown}, raw, nil
	default:
		return Header{}, nil, errors.New("Not an OFX document")
	}
}

func parseSGMLHeader(raw []byte) (Header, []byte, error) {
	bodyStart := bytes.IndexByte(raw, '<')
	if bodyStart == -1 {
		return Header{}, nil, errors.New("Missing OFX body after header")
	}
	fields := make(map[string]string)
	for _, match := range sgmlHeaderField.FindAllSubmatch(raw[:bodyStart], -1) {
		fields[string(match[1])] = string(match[2])
	}
	if data := fields["DATA"]; data != "" && data != "OFXSGML" {
		return Header{}, nil, errors.Errorf("Unsupported header DATA: %q", data)
	}
	return Header{
		Format:      SGML,
		Version:     fields["VERSION"],
		Security:    fields["SECURITY"],
		Encoding:    fields["ENCODING"],
		Charset:     fields["CHARSET"],
		Compression: fields["COMPRESSION"],
		OldFileUID:  fields["OLDFILEUID"],
		NewFileUID:  fields["NEWFILEUID"],
	}, raw[bodyStart:], nil
}

func parseXMLHeader(raw []byte) (Header, []byte, error) {
	header := Header{Format: XML, Encoding: "UTF-8"}
	if match := xmlDecl.FindSubmatch(raw); match != nil {
		attrs := parseAttrs(match[1])
		if enc := attrs["ENCODING"]; enc != "" {
			header.Encoding = enc
		}
	}
	if match := ofxProcInst.FindSubmatch(raw); match != nil {
		attrs := parseAttrs(match[1])
		header.Version = attrs["VERSION"]
		header.Security = attrs["SECURITY"]
		header.OldFileUID = attrs["OLDFILEUID"]
		header.NewFileUID = attrs["NEWFILEUID"]
	}
	// processing instructions are skipped by the tokenizer
	return header, raw, nil
}

func parseAttrs(b []byte) map[string]string {
	attrs := make(map[string]string)
	for _, match := range procInstAttr.FindAllSubmatch(b, -1) {
		attrs[strings.ToUpper(string(match[1]))] = string(match[2])
	}
	return attrs
}

// sgmlEncoding returns the text encoding declared by an SGML header, or nil for UTF-8 and ASCII
func sgmlEncoding(h Header) (encoding.Encoding, error) {
	if strings.EqualFold(h.Encoding, "UTF-8") {
		return nil, nil
	}
	switch strings.ToUpper(h.Charset) {
	case "", "NONE":
		return nil, nil
	case "1252", "WINDOWS-1252", "CP1252":
		return charmap.Windows1252, nil
	case "ISO-8859-1", "8859-1", "LATIN1":
		return charmap.ISO8859_1, nil
	default:
		enc, err := htmlindex.Get(h.Charset)
		return enc, errors.Wrapf(err, "Unsupported charset %q", h.Charset)
	}
}
