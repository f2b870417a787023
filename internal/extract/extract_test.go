package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

func TestExtractHTMLStripsMarkup(t *testing.T) {
	t.Parallel()

	body := []byte(`<!doctype html><html><head><title> Pricing </title><style>p{}</style></head>
<body><script>var x = 1;</script><h1>Plans</h1><p>Starter   costs <b>$5</b>.</p><ul><li>One</li><li>Two</li></ul></body></html>`)
	doc, err := New(0).Extract("text/html; charset=utf-8", "", body)
	require.NoError(t, err)
	require.Equal(t, FormatHTML, doc.Format)
	require.Equal(t, "Pricing", doc.Title)
	require.Equal(t, "Plans\nStarter costs $5.\nOne\nTwo", doc.Text)
	require.NotContains(t, doc.Text, "var x")
}

func TestExtractDOCXReadsTextRuns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document><w:body>` +
		`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Fish &amp; chips</w:t></w:r></w:p>` +
		`</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	doc, err := New(0).Extract("application/octet-stream", "notes.docx", buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FormatDOCX, doc.Format)
	require.Equal(t, "Hello world\nFish & chips", doc.Text)
}

func TestExtractDOCXWithoutTextRunsKeepsCharacterData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document><w:body>` +
		`<w:p><w:r><w:instrText>Call us at 555-0100</w:instrText></w:r></w:p>` +
		`<w:p><w:r><w:instrText>Mon &amp; Tue</w:instrText></w:r></w:p>` +
		`</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	doc, err := New(0).Extract("", "fields.docx", buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FormatDOCX, doc.Format)
	require.Equal(t, "Call us at 555-0100\nMon & Tue", doc.Text)
}

func TestExtractDOCXNotAnArchive(t *testing.T) {
	t.Parallel()

	doc, err := New(0).Extract("", "renamed.docx", []byte("plain words saved as docx"))
	require.NoError(t, err)
	require.Equal(t, FormatDOCX, doc.Format)
	require.Equal(t, "plain words saved as docx", doc.Text)
}

func TestExtractDOCXWithoutDocumentFails(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("other.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = New(0).Extract("", "x.docx", buf.Bytes())
	require.Error(t, err)
}

func TestExtractPlainFallback(t *testing.T) {
	t.Parallel()

	doc, err := New(0).Extract("text/plain", "faq.txt", []byte("Q:\x00 open?\r\nA:  yes\x07"))
	require.NoError(t, err)
	require.Equal(t, FormatPlain, doc.Format)
	require.Equal(t, "Q: open?\nA: yes", doc.Text)
}

func TestExtractEmptyIsNoText(t *testing.T) {
	t.Parallel()

	_, err := New(0).Extract("text/html", "", []byte("<html><body><script>x()</script></body></html>"))
	require.ErrorIs(t, err, ingest.ErrNoText)

	_, err = New(0).Extract("", "", []byte{0x00, 0x01, 0x02})
	require.ErrorIs(t, err, ingest.ErrNoText)
}

func TestExtractPDFFallsBackToPrintableText(t *testing.T) {
	t.Parallel()

	doc, err := New(0).Extract("application/pdf", "", []byte("%PDF-1.4 readable words\x00\x01 here"))
	require.NoError(t, err)
	require.Equal(t, FormatPDF, doc.Format)
	require.Equal(t, "%PDF-1.4 readable words here", doc.Text)

	_, err = New(0).Extract("application/pdf", "scan.pdf", []byte{0x00, 0x01, 0x02})
	require.ErrorIs(t, err, ingest.ErrNoText)
}

func TestExtractTruncatesToLimit(t *testing.T) {
	t.Parallel()

	doc, err := New(10).Extract("text/plain", "", []byte(strings.Repeat("é", 25)))
	require.NoError(t, err)
	require.True(t, doc.Truncated)
	require.Equal(t, strings.Repeat("é", 10), doc.Text)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	require.Equal(t, FormatPDF, Detect("", "", []byte("%PDF-1.7")))
	require.Equal(t, FormatDOCX, Detect("", "", []byte("PK\x03\x04rest")))
	require.Equal(t, FormatHTML, Detect("", "", []byte("  <!DOCTYPE html><html>")))
	require.Equal(t, FormatHTML, Detect("", "page.htm", nil))
	require.Equal(t, FormatPlain, Detect("text/plain", "a.txt", []byte("hi")))
}
