package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"

	"himcore/internal/domain"
)

type runnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

func archive(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func TestExtract_DOCXParagraphsAndTables(t *testing.T) {
	data := archive(t, map[string]string{
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8"?>
<w:document ` + wordNS + `><w:body>
<w:p><w:r><w:t>심부전 환자는</w:t></w:r><w:r><w:t xml:space="preserve"> NYHA 등급을 기록한다.</w:t></w:r></w:p>
<w:p></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>코드</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>설명</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>I50</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>심부전</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
</w:body></w:document>`,
	})

	res, err := New(nil).Extract(context.Background(), "memo.DOCX", data)
	require.NoError(t, err)
	assert.Equal(t, FormatDOCX, res.Format)
	assert.Equal(t, "심부전 환자는 NYHA 등급을 기록한다.\n코드 | 설명\nI50 | 심부전", res.Text)
}

func TestExtract_XLSXSheets(t *testing.T) {
	data := archive(t, map[string]string{
		"xl/workbook.xml": `<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"
 xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<sheets><sheet name="지표" sheetId="1" r:id="rId7"/></sheets></workbook>`,
		"xl/_rels/workbook.xml.rels": `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId7" Type="worksheet" Target="worksheets/data.xml"/></Relationships>`,
		"xl/sharedStrings.xml": `<sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
<si><t>DRG</t></si><si><r><t>재원</t></r><r><t>일수</t></r></si></sst>`,
		"xl/worksheets/data.xml": `<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2" t="inlineStr"><is><t>F62</t></is></c><c r="B2"><v>7.5</v></c></row>
<row r="3"><c r="A3" t="s"><v>99</v></c></row>
</sheetData></worksheet>`,
	})

	res, err := New(nil).Extract(context.Background(), "kpi.xlsx", data)
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, res.Format)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, "[시트: 지표]\nDRG | 재원일수\nF62 | 7.5", res.Text)
}

func TestExtract_RejectsBinaryContent(t *testing.T) {
	ex := New(nil)
	garbage := []byte{0x50, 0x4b, 0x03, 0x04, 0xff, 0x00, 0x13, 0x37, 0xde, 0xad}

	tests := []struct {
		name string
		path string
		data []byte
	}{
		{name: "docx that is not a zip", path: "memo.docx", data: garbage},
		{name: "docx without document part", path: "memo.docx", data: archive(t, map[string]string{"a.txt": "x"})},
		{name: "xlsx that is not a zip", path: "kpi.xlsx", data: garbage},
		{name: "legacy doc", path: "memo.doc", data: []byte("text")},
		{name: "legacy xls", path: "kpi.xls", data: []byte("text")},
		{name: "image", path: "scan.png", data: []byte("text")},
		{name: "pdf without header", path: "kcd.pdf", data: []byte("plain text")},
		{name: "control bytes in text", path: "memo.txt", data: []byte("hello\x00\x01world")},
		{name: "whitespace only", path: "memo.txt", data: []byte(" \n\t\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Extract(context.Background(), tt.path, tt.data)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestExtract_PlainTextEncodings(t *testing.T) {
	ex := New(nil)
	euckr, err := korean.EUCKR.NewEncoder().Bytes([]byte("당뇨 합병증 기록"))
	require.NoError(t, err)

	res, err := ex.Extract(context.Background(), "old.txt", euckr)
	require.NoError(t, err)
	assert.Equal(t, "당뇨 합병증 기록", res.Text)

	res, err = ex.Extract(context.Background(), "bom.md", []byte("\xef\xbb\xbf제목\n\n\n  본문   내용 "))
	require.NoError(t, err)
	assert.Equal(t, FormatText, res.Format)
	assert.Equal(t, "제목\n본문 내용", res.Text)
}

func TestExtract_PDFThroughPdftotext(t *testing.T) {
	var gotArgs []string
	ex := NewWithRunner(runnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "pdftotext", name)
		gotArgs = args
		return []byte("KCD 지침\n\n  I50 심부전  \n"), nil
	}), nil)

	res, err := ex.Extract(context.Background(), "/tmp/kcd.pdf", []byte("%PDF-1.7\nnot really a pdf"))
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, res.Format)
	assert.Equal(t, "KCD 지침\nI50 심부전", res.Text)
	assert.Zero(t, res.Pages)
	assert.Equal(t, []string{"-enc", "UTF-8", "-layout", "/tmp/kcd.pdf", "-"}, gotArgs)
}

func TestExtract_PDFToolFailures(t *testing.T) {
	missing := NewWithRunner(runnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.Join(domain.ErrDependencyUnavailable, ErrPDFToolNotFound)
	}), nil)
	_, err := missing.Extract(context.Background(), "kcd.pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.ErrorIs(t, err, ErrPDFToolNotFound)

	crashed := NewWithRunner(runnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}), nil)
	_, err = crashed.Extract(context.Background(), "kcd.pdf", []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrValidation)

	binary := NewWithRunner(runnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return []byte{0xff, 0xfe, 0x00}, nil
	}), nil)
	_, err = binary.Extract(context.Background(), "kcd.pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
