// Package extract turns uploaded knowledge files into plain UTF-8 text.
// Office Open XML containers are unpacked, PDFs go through pdftotext and
// plain text files may be UTF-8 or CP949.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/text/encoding/korean"

	"himcore/internal/domain"
)

// ErrPDFToolNotFound is returned when pdftotext is not installed.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH (install poppler-utils)")

// Format names the container a file was read from.
type Format string

const (
	FormatText Format = "text"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatXLSX Format = "xlsx"
)

// Result is the text of one file.
type Result struct {
	Text   string
	Format Format
	// Pages is the PDF page count or the number of worksheets; zero when
	// unknown.
	Pages int
}

// CommandRunner runs an external program and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDependencyUnavailable, ErrPDFToolNotFound)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

type Extractor struct {
	runner CommandRunner
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	return NewWithRunner(execRunner{}, logger)
}

// NewWithRunner uses runner for pdftotext.
func NewWithRunner(runner CommandRunner, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{runner: runner, logger: logger.With("system", "extract")}
}

// Extract reads the file at path, whose contents are data, by its
// extension. Legacy binary Office formats, unknown binary content and files
// without any text are rejected as validation errors.
func (e *Extractor) Extract(ctx context.Context, path string, data []byte) (Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var (
		res Result
		err error
	)
	switch ext {
	case ".pdf":
		res, err = e.pdf(ctx, path, data)
	case ".docx":
		res, err = docx(data)
	case ".xlsx":
		res, err = xlsx(data)
	case ".doc", ".xls":
		return Result{}, domain.Invalid("file", fmt.Sprintf("legacy %s files are not supported, convert to %sx", ext, ext))
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff":
		return Result{}, domain.Invalid("file", "image files carry no extractable text")
	default:
		res, err = plain(data)
	}
	if err != nil {
		return Result{}, err
	}
	res.Text = Sanitize(res.Text)
	if res.Text == "" {
		return Result{}, domain.Invalid("file", "no text could be extracted")
	}
	e.logger.Debug("text extracted", "path", path, "format", res.Format, "pages", res.Pages, "runes", utf8.RuneCountInString(res.Text))
	return res, nil
}

func (e *Extractor) pdf(ctx context.Context, path string, data []byte) (Result, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Result{}, domain.Invalid("file", "not a PDF document")
	}
	out, err := e.runner.Run(ctx, "pdftotext", "-enc", "UTF-8", "-layout", path, "-")
	if err != nil {
		if errors.Is(err, domain.ErrDependencyUnavailable) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("pdftotext failed: %w", err)
	}
	if !utf8.Valid(out) {
		return Result{}, domain.Invalid("file", "pdftotext produced invalid UTF-8")
	}
	res := Result{Text: string(out), Format: FormatPDF}
	if n, err := api.PageCount(bytes.NewReader(data), nil); err != nil {
		e.logger.Warn("failed to read PDF page count", "path", path, "error", err)
	} else {
		res.Pages = n
	}
	return res, nil
}

// plain accepts UTF-8, with or without a byte order mark, and falls back
// to CP949 for older Korean files.
func plain(data []byte) (Result, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		if !textual(string(data)) {
			return Result{}, domain.Invalid("file", "binary content")
		}
		return Result{Text: string(data), Format: FormatText, Pages: 1}, nil
	}
	decoded, err := korean.EUCKR.NewDecoder().Bytes(data)
	if err != nil || !textual(string(decoded)) {
		return Result{}, domain.Invalid("file", "neither UTF-8 nor CP949 text")
	}
	return Result{Text: string(decoded), Format: FormatText, Pages: 1}, nil
}

// textual rejects replacement characters and control characters other than
// common whitespace.
func textual(s string) bool {
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			return false
		case r == '\n' || r == '\r' || r == '\t' || r == '\f':
		case unicode.IsControl(r):
			return false
		}
	}
	return true
}

// Sanitize collapses runs of whitespace inside each line and drops blank
// lines.
func Sanitize(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
