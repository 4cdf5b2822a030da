// Package importer parses uploaded CSV and XLSX files into Articles.
// Rows fail individually; a bad row is reported, not fatal.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// Format identifies an upload file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatForFilename maps a file name to its import format.
func FormatForFilename(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV, nil
	case strings.HasSuffix(lower, ".xlsx"):
		return FormatXLSX, nil
	default:
		return "", apperr.New(apperr.CodeUnsupported,
			fmt.Sprintf("unsupported upload type %q, want .csv or .xlsx", name))
	}
}

// RowError describes one rejected row.
type RowError struct {
	Row    int    `json:"row"` // 1-based, excluding the header
	Reason string `json:"reason"`
}

// Item is one accepted row.
type Item struct {
	Row     int
	Article model.Article
}

// Result is the outcome of parsing an upload.
type Result struct {
	Items  []Item
	Errors []RowError
}

// Articles strips row numbers, for callers that ingest in bulk.
func (r *Result) Articles() []model.Article {
	out := make([]model.Article, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Article
	}
	return out
}

// Column headers recognized in uploads, case-insensitive. Title and
// content are required, the rest optional.
var knownColumns = map[string]struct{}{
	"title": {}, "content": {}, "author": {}, "published_date": {},
	"category": {}, "source_url": {}, "tags": {},
}

// dateLayouts accepted in published_date cells, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// Parse reads an upload in the given format.
func Parse(r io.Reader, format Format) (*Result, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatXLSX:
		return parseXLSX(r)
	default:
		return nil, apperr.New(apperr.CodeUnsupported, fmt.Sprintf("unknown format %q", format))
	}
}

func parseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // ragged rows handled per-row
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.ValidationError("upload is empty")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err)
	}

	columns, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, RowError{Row: row, Reason: err.Error()})
			continue
		}
		addRow(result, columns, record, row)
	}

	return result, nil
}

func parseXLSX(r io.Reader) (*Result, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperr.ValidationError("workbook has no sheets")
	}

	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err)
	}
	if len(rows) == 0 {
		return nil, apperr.ValidationError("upload is empty")
	}

	columns, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i, record := range rows[1:] {
		addRow(result, columns, record, i+1)
	}
	return result, nil
}

// mapHeader resolves header names to column positions. Requires title
// and content; unknown columns are ignored.
func mapHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, known := knownColumns[key]; known {
			columns[key] = i
		}
	}
	if _, ok := columns["title"]; !ok {
		return nil, apperr.ValidationError("upload is missing required column: title")
	}
	if _, ok := columns["content"]; !ok {
		return nil, apperr.ValidationError("upload is missing required column: content")
	}
	return columns, nil
}

func cell(record []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// addRow converts one record, appending either an Article or a RowError.
func addRow(result *Result, columns map[string]int, record []string, row int) {
	// Skip fully blank rows silently; spreadsheets accumulate them.
	blank := true
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			blank = false
			break
		}
	}
	if blank {
		return
	}

	title := cell(record, columns, "title")
	content := cell(record, columns, "content")
	if title == "" || content == "" {
		result.Errors = append(result.Errors, RowError{
			Row: row, Reason: "title and content are required",
		})
		return
	}

	article := model.Article{
		Title:     title,
		Content:   content,
		Author:    cell(record, columns, "author"),
		SourceURL: cell(record, columns, "source_url"),
	}

	if raw := cell(record, columns, "published_date"); raw != "" {
		published, err := parseDate(raw)
		if err != nil {
			result.Errors = append(result.Errors, RowError{
				Row: row, Reason: fmt.Sprintf("unparseable published_date %q", raw),
			})
			return
		}
		article.PublishedAt = &published
	}

	seen := make(map[string]struct{})
	for _, raw := range append(strings.Split(cell(record, columns, "tags"), ","), cell(record, columns, "category")) {
		if tag := model.NormalizeTag(raw); tag != "" {
			if _, dup := seen[tag]; !dup {
				seen[tag] = struct{}{}
				article.Tags = append(article.Tags, tag)
			}
		}
	}

	result.Items = append(result.Items, Item{Row: row, Article: article})
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", raw)
}

// SniffCSV reports whether the payload looks like CSV when the file
// name gives no hint.
func SniffCSV(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte(",")) && !bytes.Contains(head, []byte{0})
}
