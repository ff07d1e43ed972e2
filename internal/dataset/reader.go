package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// Reader turns one file format into a header and raw string rows.
type Reader interface {
	CanRead(filename string) bool
	Read(path string) (header []string, rows [][]string, err error)
}

var readers []Reader

// RegisterReader adds a reader to the registry. Later registrations do not
// override earlier ones for the same extension.
func RegisterReader(r Reader) { readers = append(readers, r) }

func init() {
	RegisterReader(csvReader{})
	RegisterReader(xlsxReader{})
	RegisterReader(xlsReader{})
}

func readerFor(path string) (Reader, bool) {
	for _, r := range readers {
		if r.CanRead(path) {
			return r, true
		}
	}
	return nil, false
}

func hasExt(filename, ext string) bool {
	return strings.EqualFold(filepath.Ext(filename), ext)
}

type csvReader struct{}

func (csvReader) CanRead(filename string) bool { return hasExt(filename, ".csv") }

// Read decodes UTF-8 and falls back to Latin-1 when the bytes are not valid UTF-8.
func (csvReader) Read(path string) ([]string, [][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		decoded, derr := charmap.ISO8859_1.NewDecoder().Bytes(b)
		if derr != nil {
			return nil, nil, fmt.Errorf("%w: latin-1 fallback: %v", ErrDecode, derr)
		}
		b = decoded
	}
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty csv", ErrDecode)
		}
		return nil, nil, fmt.Errorf("%w: read header: %v", ErrDecode, err)
	}
	var rows [][]string
	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("%w: read row %d: %v", ErrDecode, len(rows)+1, err)
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}

type xlsxReader struct{}

func (xlsxReader) CanRead(filename string) bool { return hasExt(filename, ".xlsx") }

// Read loads the first sheet of the workbook.
func (xlsxReader) Read(path string) ([]string, [][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open xlsx: %v", ErrDecode, err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("%w: workbook has no sheets", ErrDecode)
	}
	all, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read sheet %q: %v", ErrDecode, sheets[0], err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%w: sheet %q is empty", ErrDecode, sheets[0])
	}
	return all[0], all[1:], nil
}

type xlsReader struct{}

func (xlsReader) CanRead(filename string) bool { return hasExt(filename, ".xls") }

// Read loads the first sheet of a legacy BIFF workbook.
func (xlsReader) Read(path string) ([]string, [][]string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open xls: %v", ErrDecode, err)
	}
	if wb == nil {
		return nil, nil, fmt.Errorf("%w: open xls: no workbook stream", ErrDecode)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, nil, fmt.Errorf("%w: workbook has no sheets", ErrDecode)
	}
	var all [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := xlsRow(sheet, i)
		if row == nil {
			all = append(all, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		all = append(all, cells)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%w: sheet is empty", ErrDecode)
	}
	return all[0], all[1:], nil
}

// xlsRow returns row i, or nil when the sheet has no record for it. The
// library dereferences absent rows, so the panic is the only signal.
func xlsRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}
