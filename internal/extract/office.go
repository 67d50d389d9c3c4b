package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"himcore/internal/domain"
)

// maxPartBytes bounds a single decompressed archive member.
const maxPartBytes = 64 << 20

func openArchive(data []byte, format Format) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.Invalid("file", fmt.Sprintf("not a %s archive", format))
	}
	return zr, nil
}

func readPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, domain.Invalid("file", "corrupt archive member "+name)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxPartBytes+1))
		if err != nil {
			return nil, domain.Invalid("file", "corrupt archive member "+name)
		}
		if len(data) > maxPartBytes {
			return nil, domain.Invalid("file", "archive member too large: "+name)
		}
		return data, nil
	}
	return nil, errPartMissing
}

var errPartMissing = errors.New("archive member missing")

// docx returns the paragraphs of word/document.xml one per line. Table
// cells are joined with " | ", one row per line.
func docx(data []byte) (Result, error) {
	zr, err := openArchive(data, FormatDOCX)
	if err != nil {
		return Result{}, err
	}
	body, err := readPart(zr, "word/document.xml")
	if errors.Is(err, errPartMissing) {
		return Result{}, domain.Invalid("file", "docx without word/document.xml")
	}
	if err != nil {
		return Result{}, err
	}

	var (
		b      strings.Builder
		inText bool
		cells  int
	)
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, domain.Invalid("file", "malformed word/document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				if cells == 0 {
					b.WriteByte('\n')
				}
			case "tc":
				cells++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if cells > 0 {
					b.WriteByte(' ')
				} else {
					b.WriteByte('\n')
				}
			case "tc":
				cells--
				b.WriteString(" | ")
			case "tr":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return Result{Text: trimCellSeparators(b.String()), Format: FormatDOCX, Pages: 1}, nil
}

func trimCellSeparators(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(strings.TrimRight(l, " "), " |")
	}
	return strings.Join(lines, "\n")
}

type workbookXML struct {
	Sheets []struct {
		Name string     `xml:"name,attr"`
		Attr []xml.Attr `xml:",any,attr"`
	} `xml:"sheets>sheet"`
}

type relsXML struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

type sheetXML struct {
	Rows []struct {
		Cells []struct {
			Type   string `xml:"t,attr"`
			Value  string `xml:"v"`
			Inline struct {
				Text string `xml:",innerxml"`
			} `xml:"is"`
		} `xml:"c"`
	} `xml:"sheetData>row"`
}

// xlsx returns every worksheet under a "[시트: name]" heading, one row per
// line with cells joined by " | ".
func xlsx(data []byte) (Result, error) {
	zr, err := openArchive(data, FormatXLSX)
	if err != nil {
		return Result{}, err
	}
	shared, err := sharedStrings(zr)
	if err != nil {
		return Result{}, err
	}

	rawBook, err := readPart(zr, "xl/workbook.xml")
	if errors.Is(err, errPartMissing) {
		return Result{}, domain.Invalid("file", "xlsx without xl/workbook.xml")
	}
	if err != nil {
		return Result{}, err
	}
	var book workbookXML
	if err := xml.Unmarshal(rawBook, &book); err != nil {
		return Result{}, domain.Invalid("file", "malformed xl/workbook.xml")
	}
	targets := map[string]string{}
	if rawRels, err := readPart(zr, "xl/_rels/workbook.xml.rels"); err == nil {
		var rels relsXML
		if err := xml.Unmarshal(rawRels, &rels); err != nil {
			return Result{}, domain.Invalid("file", "malformed workbook relationships")
		}
		for _, r := range rels.Rels {
			targets[r.ID] = sheetPath(r.Target)
		}
	}

	var b strings.Builder
	pages := 0
	for i, sh := range book.Sheets {
		name := targets[relID(sh.Attr)]
		if name == "" {
			name = "xl/worksheets/sheet" + strconv.Itoa(i+1) + ".xml"
		}
		raw, err := readPart(zr, name)
		if errors.Is(err, errPartMissing) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		var sheet sheetXML
		if err := xml.Unmarshal(raw, &sheet); err != nil {
			return Result{}, domain.Invalid("file", "malformed worksheet "+sh.Name)
		}
		pages++
		fmt.Fprintf(&b, "[시트: %s]\n", sh.Name)
		for _, row := range sheet.Rows {
			values := make([]string, 0, len(row.Cells))
			for _, c := range row.Cells {
				if v := cellText(c.Type, c.Value, c.Inline.Text, shared); v != "" {
					values = append(values, v)
				}
			}
			if len(values) > 0 {
				b.WriteString(strings.Join(values, " | "))
				b.WriteByte('\n')
			}
		}
	}
	return Result{Text: b.String(), Format: FormatXLSX, Pages: pages}, nil
}

func relID(attrs []xml.Attr) string {
	for _, a := range attrs {
		if a.Name.Local == "id" {
			return a.Value
		}
	}
	return ""
}

func sheetPath(target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Join("xl", target)
}

func cellText(typ, value, inline string, shared []string) string {
	switch typ {
	case "s":
		i, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || i < 0 || i >= len(shared) {
			return ""
		}
		return strings.TrimSpace(shared[i])
	case "inlineStr":
		return strings.TrimSpace(innerText(inline))
	default:
		return strings.TrimSpace(value)
	}
}

// sharedStrings reads xl/sharedStrings.xml; a workbook without one has only
// numbers and inline strings.
func sharedStrings(zr *zip.Reader) ([]string, error) {
	raw, err := readPart(zr, "xl/sharedStrings.xml")
	if errors.Is(err, errPartMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var (
		out    []string
		cur    strings.Builder
		inItem bool
		inText bool
	)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.Invalid("file", "malformed xl/sharedStrings.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inItem = true
				cur.Reset()
			case "t":
				inText = inItem
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				out = append(out, cur.String())
				inItem = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return out, nil
}

// innerText drops the markup of an inline string fragment.
func innerText(fragment string) string {
	var b strings.Builder
	dec := xml.NewDecoder(strings.NewReader("<is>" + fragment + "</is>"))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if cd, ok := tok.(xml.CharData); ok {
			b.Write(cd)
		}
	}
	return b.String()
}
