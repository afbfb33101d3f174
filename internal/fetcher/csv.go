// Package fetcher acquires raw CDR files from a billing server and streams their rows.
package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune   // default ','
	Comment    rune   // comment character (0 = none)
	Encoding   string // source charset label, e.g. "utf-8", "latin1", "utf-16le"; empty = utf-8
	LazyQuotes bool
	TrimSpace  bool
}

// Row is one record read from a CSV stream. Line is the 1-based source line
// of the first field. Err is set when the line could not be tokenized; the
// stream continues with the next line.
type Row struct {
	Line   int
	Fields []string
	Err    error
}

// dropInvalid removes the replacement runes the UTF-8 decoder emits for bad bytes.
var dropInvalid = runes.Remove(runes.Predicate(func(r rune) bool { return r == utf8.RuneError }))

// DecodeReader wraps r so that it yields UTF-8 for the named charset.
// Invalid UTF-8 sequences are dropped.
func DecodeReader(r io.Reader, encoding string) (io.Reader, error) {
	label := strings.ToLower(strings.TrimSpace(encoding))
	if label == "" || label == "utf-8" || label == "utf8" {
		return transform.NewReader(r, transform.Chain(unicode.UTF8BOM.NewDecoder(), dropInvalid)), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: unsupported encoding %q", encoding)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// StreamCSV reads delimited rows and sends them to a channel.
// Blank lines are skipped. Line-level tokenizer errors are delivered as rows
// with Err set; read errors that end the stream are sent on the error channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		src, err := DecodeReader(r, opts.Encoding)
		if err != nil {
			errCh <- err
			return
		}

		reader := csv.NewReader(src)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // column count is validated against the header by the caller
		reader.ReuseRecord = false

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}

			row := Row{Fields: record}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					errCh <- eris.Wrap(err, "csv: read row")
					return
				}
				row.Line = pe.StartLine
				row.Err = pe
			} else {
				row.Line, _ = reader.FieldPos(0)
				if opts.TrimSpace {
					for i, field := range record {
						record[i] = strings.TrimSpace(field)
					}
				}
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
