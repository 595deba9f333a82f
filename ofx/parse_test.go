package ofx

import (
	"os"
	"strings"
	"testing"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFixture(t *testing.T, name string, mode Mode) *Document {
	t.Helper()
	f, err := os.Open("testdata/" + name)
	require.NoError(t, err)
	defer f.Close()
	doc, err := Parse(f, mode)
	require.NoError(t, err)
	return doc
}

func TestParseFixturesAgree(t *testing.T) {
	sgml := parseFixture(t, "statement_sgml.ofx", ModeAuto)
	xmlDoc := parseFixture(t, "statement_xml.ofx", ModeAuto)

	assert.Equal(t, Header{
		Format:      SGML,
		Version:     "102",
		Security:    "NONE",
		Encoding:    "USASCII",
		Charset:     "1252",
		Compression: "NONE",
		OldFileUID:  "NONE",
		NewFileUID:  "NONE",
	}, sgml.Header)
	assert.Equal(t, Header{
		Format:     XML,
		Version:    "220",
		Security:   "NONE",
		Encoding:   "UTF-8",
		OldFileUID: "NONE",
		NewFileUID: "NONE",
	}, xmlDoc.Header)

	assert.Equal(t, xmlDoc.Root, sgml.Root)

	stmt := sgml.Root.Find("BANKMSGSRSV1", "STMTTRNRS", "STMTRS")
	require.NotNil(t, stmt)
	txns := stmt.Child("BANKTRANLIST").All("STMTTRN")
	require.Len(t, txns, 2)
	assert.Equal(t, "Coffee & Co", txns[0].Text("NAME"))
	assert.Equal(t, "Latte", txns[0].Text("MEMO"))
	assert.Equal(t, "", txns[1].Text("MEMO"))
	assert.Equal(t, "T2", txns[1].Text("FITID"), "empty leaf is closed by the next tag")
	assert.Equal(t, "1234", sgml.Root.Search("INTU.BID").Value, "vendor elements are kept")
}

func TestParseTagSoup(t *testing.T) {
	for _, tc := range []struct {
		description string
		body        string
		expect      *Element
	}{
		{
			description: "leaf closed by next tag",
			body:        `<OFX><STATUS><CODE>1<SEVERITY>INFO</STATUS></OFX>`,
			expect:      Agg("OFX", Agg("STATUS", Leaf("CODE", "1"), Leaf("SEVERITY", "INFO"))),
		},
		{
			description: "closing tag closes intermediate aggregates",
			body:        `<OFX><STMTRS><BANKACCTFROM><ACCTID>1</STMTRS><CURDEF>USD</OFX>`,
			expect:      Agg("OFX", Agg("STMTRS", Agg("BANKACCTFROM", Leaf("ACCTID", "1"))), Leaf("CURDEF", "USD")),
		},
		{
			description: "explicit leaf close",
			body:        `<OFX><CODE>1</CODE><MEMO>2</MEMO></OFX>`,
			expect:      Agg("OFX", Leaf("CODE", "1"), Leaf("MEMO", "2")),
		},
		{
			description: "unmatched closing tag is ignored",
			body:        `<OFX><CODE>1</Z><MEMO>2</OFX>`,
			expect:      Agg("OFX", Leaf("CODE", "1"), Leaf("MEMO", "2")),
		},
		{
			description: "unclosed root at end of input",
			body:        `<OFX><STATUS><CODE>1`,
			expect:      Agg("OFX", Agg("STATUS", Leaf("CODE", "1"))),
		},
		{
			description: "lower case names are normalized",
			body:        `<ofx><code>0</ofx>`,
			expect:      Agg("OFX", Leaf("CODE", "0")),
		},
		{
			description: "bare ampersand and entities",
			body:        `<OFX><NAME>AT&T &amp; Sons<MEMO>a &lt; b</OFX>`,
			expect:      Agg("OFX", Leaf("NAME", "AT&T & Sons"), Leaf("MEMO", "a < b")),
		},
		{
			description: "empty element",
			body:        `<OFX><MEMO></MEMO><NAME>1</OFX>`,
			expect:      Agg("OFX", Agg("MEMO"), Leaf("NAME", "1")),
		},
		{
			description: "empty leaf closed by next tag",
			body:        `<OFX><STMTTRN><TRNTYPE>DEBIT<MEMO><DTPOSTED>20240102<FITID>T1</STMTTRN></OFX>`,
			expect: Agg("OFX", Agg("STMTTRN",
				Leaf("TRNTYPE", "DEBIT"),
				Agg("MEMO"),
				Leaf("DTPOSTED", "20240102"),
				Leaf("FITID", "T1"),
			)),
		},
		{
			description: "repeated aggregate closes its open sibling",
			body:        `<OFX><BANKTRANLIST><STMTTRN><FITID>1<NAME>One<STMTTRN><FITID>2<NAME>Two</BANKTRANLIST></OFX>`,
			expect: Agg("OFX", Agg("BANKTRANLIST",
				Agg("STMTTRN", Leaf("FITID", "1"), Leaf("NAME", "One")),
				Agg("STMTTRN", Leaf("FITID", "2"), Leaf("NAME", "Two")),
			)),
		},
		{
			description: "repeated aggregate closes nested open elements",
			body:        `<OFX><INVTRANLIST><BUYSTOCK><INVBUY><INVTRAN><FITID>1<BUYSTOCK><INVBUY><INVTRAN><FITID>2</INVTRANLIST></OFX>`,
			expect: Agg("OFX", Agg("INVTRANLIST",
				Agg("BUYSTOCK", Agg("INVBUY", Agg("INVTRAN", Leaf("FITID", "1")))),
				Agg("BUYSTOCK", Agg("INVBUY", Agg("INVTRAN", Leaf("FITID", "2")))),
			)),
		},
		{
			description: "vendor extension may hold elements",
			body:        `<OFX><INTU.XFER><CODE>1</INTU.XFER><NAME>2</OFX>`,
			expect:      Agg("OFX", Agg("INTU.XFER", Leaf("CODE", "1")), Leaf("NAME", "2")),
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			doc, err := ParseBytes([]byte(tc.body), ModeTagSoup)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, doc.Root)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, tc := range []struct {
		description string
		body        string
		mode        Mode
		expectErr   string
	}{
		{
			description: "empty",
			body:        "",
			expectErr:   "Not an OFX document",
		},
		{
			description: "html error page",
			body:        "<html><body>Service unavailable</body></html>",
			expectErr:   "Root element must be <OFX>, found <HTML>",
		},
		{
			description: "plain text",
			body:        "Internal Server Error",
			expectErr:   "Not an OFX document",
		},
		{
			description: "header without body",
			body:        "OFXHEADER:100\nDATA:OFXSGML\n",
			expectErr:   "Missing OFX body",
		},
		{
			description: "unsupported data",
			body:        "OFXHEADER:100\nDATA:OFXBINARY\n\n<OFX></OFX>",
			expectErr:   `Unsupported header DATA: "OFXBINARY"`,
		},
		{
			description: "strict leaf not closed",
			body:        `<?xml version="1.0"?><OFX><A>1<B>2</B></A></OFX>`,
			expectErr:   "Element <A> is not closed before <B>",
		},
		{
			description: "strict mismatched nesting",
			body:        `<?xml version="1.0"?><OFX><A><B>2</B></OFX>`,
			expectErr:   "Element <OFX> closed before <A>",
		},
		{
			description: "strict unclosed root",
			body:        `<?xml version="1.0"?><OFX><A>1</A>`,
			expectErr:   "Element <OFX> is not closed",
		},
		{
			description: "strict stray closing tag",
			body:        `<OFX><A>1</A></B></OFX>`,
			mode:        ModeStrict,
			expectErr:   "Unexpected closing tag </B>",
		},
		{
			description: "text in aggregate",
			body:        `<OFX><STATUS><CODE>1</CODE>junk</STATUS></OFX>`,
			mode:        ModeTagSoup,
			expectErr:   `Unexpected text "junk" in aggregate <STATUS>`,
		},
		{
			description: "second root",
			body:        `<OFX></OFX><OFX></OFX>`,
			mode:        ModeTagSoup,
			expectErr:   "Unexpected element <OFX> after </OFX>",
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			_, err := ParseBytes([]byte(tc.body), tc.mode)
			require.Error(t, err)
			assert.Equal(t, sErrors.MalformedDocument, sErrors.KindOf(err))
			assert.Contains(t, err.Error(), tc.expectErr)
		})
	}
}

func TestParseCharset(t *testing.T) {
	body := "OFXHEADER:100\nDATA:OFXSGML\nVERSION:102\nENCODING:USASCII\nCHARSET:1252\n\n<OFX><NAME>Caf\xe9</OFX>"
	doc, err := ParseBytes([]byte(body), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, "Café", doc.Root.Text("NAME"))

	body = "OFXHEADER:100\nDATA:OFXSGML\nVERSION:102\nENCODING:UTF-8\nCHARSET:NONE\n\n<OFX><NAME>Café</OFX>"
	doc, err = ParseBytes([]byte(body), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, "Café", doc.Root.Text("NAME"))

	body = "<?xml version=\"1.0\" encoding=\"windows-1252\"?><OFX><NAME>Caf\xe9</NAME></OFX>"
	doc, err = ParseBytes([]byte(body), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, "Café", doc.Root.Text("NAME"))
}

func TestParseHeaderQuirks(t *testing.T) {
	// one-line header, CRLF, and a byte order mark
	body := "\xef\xbb\xbf\r\nOFXHEADER:100 DATA:OFXSGML VERSION:103 SECURITY:NONE\r\n\r\n<OFX><A>1</OFX>"
	doc, err := ParseBytes([]byte(body), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, SGML, doc.Header.Format)
	assert.Equal(t, "103", doc.Header.Version)

	doc, err = ParseBytes([]byte("<OFX><A>1</OFX>"), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, Unknown, doc.Header.Format)
	assert.Equal(t, "1", doc.Root.Text("A"))
}

func TestParseHeaderFieldSpacing(t *testing.T) {
	body := "OFXHEADER : 100\nDATA :\tOFXSGML\nVERSION:  102\nCHARSET\t: 1252\n\n<OFX><CODE>0</OFX>"
	doc, err := ParseBytes([]byte(body), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, SGML, doc.Header.Format)
	assert.Equal(t, "102", doc.Header.Version)
	assert.Equal(t, "1252", doc.Header.Charset)
	assert.Equal(t, "0", doc.Root.Text("CODE"))
}

func TestSniff(t *testing.T) {
	assert.True(t, Sniff([]byte("OFXHEADER:100\n\n<OFX>")))
	assert.True(t, Sniff([]byte("<ofx>")))
	assert.False(t, Sniff([]byte("<html>")))
	assert.False(t, Sniff(nil))
}

func TestElementNavigation(t *testing.T) {
	root := Agg("OFX",
		Agg("A", Leaf("X", "1"), Leaf("X", "2")),
		Agg("B", Agg("C", Leaf("X", "3"))),
		nil,
	)
	assert.Len(t, root.Children, 2)
	assert.Equal(t, "1", root.Text("A", "X"))
	assert.Equal(t, "", root.Text("A", "missing", "X"))
	assert.Nil(t, root.Find("missing"))
	assert.Len(t, root.Child("A").All("X"), 2)
	assert.Equal(t, "3", root.Child("B").Search("X").Value)

	var values []string
	for _, el := range root.SearchAll("X") {
		values = append(values, el.Value)
	}
	assert.Equal(t, []string{"1", "2", "3"}, values)

	var nilEl *Element
	assert.Nil(t, nilEl.Child("A"))
	assert.Nil(t, nilEl.Search("A"))
	assert.Equal(t, "", nilEl.Text("A"))
	assert.Nil(t, OptionalLeaf("A", ""))
	assert.Equal(t, Leaf("A", "1"), OptionalLeaf("A", "1"))
}

func TestMarshal(t *testing.T) {
	root := Agg("OFX", Agg("SIGNONMSGSRQV1", Agg("SONRQ", Leaf("USERID", "me"), Leaf("USERPASS", "a&b<c"))))

	sgml, err := (&Document{Header: Header{Format: SGML, Version: "102"}, Root: root}).Marshal(MarshalOptions{Indent: " "})
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"OFXHEADER:100",
		"DATA:OFXSGML",
		"VERSION:102",
		"SECURITY:NONE",
		"ENCODING:USASCII",
		"CHARSET:1252",
		"COMPRESSION:NONE",
		"OLDFILEUID:NONE",
		"NEWFILEUID:NONE",
		"",
		"<OFX>",
		" <SIGNONMSGSRQV1>",
		"  <SONRQ>",
		"   <USERID>me",
		"   <USERPASS>a&amp;b&lt;c",
		"  </SONRQ>",
		" </SIGNONMSGSRQV1>",
		"</OFX>",
		"",
	}, "\r\n"), string(mustMarshal(t, &Document{Header: Header{Format: SGML, Version: "102"}, Root: root}, MarshalOptions{Indent: " ", CRLF: true})))
	assert.NotContains(t, string(sgml), "\r\n")

	xmlBytes, err := (&Document{Header: Header{Format: XML, Version: "220"}, Root: root}).Marshal(MarshalOptions{})
	require.NoError(t, err)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8" standalone="no"?>
<?OFX OFXHEADER="200" VERSION="220" SECURITY="NONE" OLDFILEUID="NONE" NEWFILEUID="NONE"?>
<OFX>
<SIGNONMSGSRQV1>
<SONRQ>
<USERID>me</USERID>
<USERPASS>a&amp;b&lt;c</USERPASS>
</SONRQ>
</SIGNONMSGSRQV1>
</OFX>
`, string(xmlBytes))

	for _, format := range []Format{SGML, XML} {
		doc := &Document{Header: Header{Format: format, Version: "102"}, Root: root}
		reparsed, err := ParseBytes(mustMarshal(t, doc, MarshalOptions{Indent: "  "}), ModeAuto)
		require.NoError(t, err)
		assert.Equal(t, root, reparsed.Root, format.String())
	}
}

func mustMarshal(t *testing.T, doc *Document, opts MarshalOptions) []byte {
	t.Helper()
	b, err := doc.Marshal(opts)
	require.NoError(t, err)
	return b
}

func TestMarshalErrors(t *testing.T) {
	for _, tc := range []struct {
		description string
		doc         *Document
		expectErr   string
	}{
		{
			description: "no root",
			doc:         &Document{Header: Header{Format: SGML}},
			expectErr:   "Document has no root element",
		},
		{
			description: "unknown format",
			doc:         &Document{Root: Agg("OFX")},
			expectErr:   "Unsupported document format: Unknown",
		},
		{
			description: "value and children",
			doc:         &Document{Header: Header{Format: XML}, Root: &Element{Name: "OFX", Value: "x", Children: []*Element{Leaf("A", "1")}}},
			expectErr:   "Element <OFX> has both a value and children",
		},
		{
			description: "empty name",
			doc:         &Document{Header: Header{Format: XML}, Root: Agg("OFX", Leaf("", "1"))},
			expectErr:   "Element name must not be empty",
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			_, err := tc.doc.Marshal(MarshalOptions{})
			assert.EqualError(t, err, tc.expectErr)
		})
	}
}
