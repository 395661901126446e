package usecases

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"nutripilot/internal/entities"
	"nutripilot/internal/interfaces"
)

// ErrUnsupportedFile is returned for attachments that can be neither parsed locally nor ingested.
var ErrUnsupportedFile = errors.New("unsupported file type, send a CSV or TXT file")

// maxUploadBytes bounds an attachment read into memory.
const maxUploadBytes = 5 << 20

// FormulaImport turns an uploaded attachment into ingredient records.
// CSV and plain text are parsed locally; other files go to AgroCore /v1/ingest when configured.
type FormulaImport struct {
	fetcher  interfaces.MediaFetcher
	agrocore interfaces.FormulaAnalyzer
}

func NewFormulaImport(fetcher interfaces.MediaFetcher, agrocore interfaces.FormulaAnalyzer) *FormulaImport {
	return &FormulaImport{fetcher: fetcher, agrocore: agrocore}
}

// Import downloads the attachment and extracts its formula.
func (f *FormulaImport) Import(ctx context.Context, media entities.Media) (BulkResult, error) {
	data, contentType, err := f.fetcher.Fetch(ctx, media.URL)
	if err != nil {
		return BulkResult{}, fmt.Errorf("download failed: %w", err)
	}
	if len(data) > maxUploadBytes {
		return BulkResult{}, fmt.Errorf("file too large (%d bytes)", len(data))
	}
	if media.ContentType != "" {
		contentType = media.ContentType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	if isTextFormula(mediaType) {
		return ParseFormulaFile(data)
	}
	if f.agrocore == nil {
		return BulkResult{}, ErrUnsupportedFile
	}

	res, err := f.agrocore.Ingest(ctx, uploadName(mediaType), mediaType, bytes.NewReader(data))
	if err != nil {
		return BulkResult{}, fmt.Errorf("ingest failed: %w", err)
	}
	return ParseFormula(res.FormulaText), nil
}

func isTextFormula(mediaType string) bool {
	switch mediaType {
	case "text/csv", "text/plain", "application/csv", "text/comma-separated-values", "text/tab-separated-values":
		return true
	}
	return false
}

func uploadName(mediaType string) string {
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return "formula" + exts[0]
	}
	return "formula.bin"
}

// ParseFormulaFile reads a CSV or TXT formula: one ingredient per row as "name,pct", "name;pct",
// "name<TAB>pct" or any single token ParseToken accepts. A non-numeric first row is a header.
func ParseFormulaFile(data []byte) (BulkResult, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := NormalizeTypos(string(data))

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = detectDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var tokens []string
	for first := true; ; first = false {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return BulkResult{}, fmt.Errorf("failed to read file: %w", err)
		}
		toks := recordTokens(rec)
		if first && isHeader(toks) {
			continue
		}
		tokens = append(tokens, toks...)
	}
	return collect(tokens, parseManualToken, 0), nil
}

// recordTokens joins the name column with the last value column as "name | pct".
// A row whose last column is not a bare number is a pasted line and each field is its own token.
func recordTokens(rec []string) []string {
	var fields []string
	for _, f := range rec {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) < 2 {
		return fields
	}
	if _, ok := ParseInclusion(fields[len(fields)-1]); !ok {
		return fields
	}
	return []string{fields[0] + " | " + fields[len(fields)-1]}
}

func isHeader(toks []string) bool {
	for _, t := range toks {
		if _, ok := parseManualToken(t); ok {
			return false
		}
	}
	return true
}

func detectDelimiter(text string) rune {
	line, _, _ := strings.Cut(text, "\n")
	switch {
	case strings.Contains(line, "\t"):
		return '\t'
	case strings.Contains(line, ";") && strings.Count(line, ";") >= strings.Count(line, ","):
		return ';'
	}
	return ','
}
