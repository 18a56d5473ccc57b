package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/jsonlite"
	"github.com/parquet-go/parquet-go"

	"rmcopilot/internal/util"
)

// Compile-time interface checks.
var _ MetricsStore = (*ParquetStore)(nil)
var _ RunMarker = (*ParquetStore)(nil)

// Key/value metadata keys stamped on every artifact.
const (
	MetaListingID = "listing_id"
	MetaDate      = "date"
)

// ParquetStore implements MetricsStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// MetricsStore implementation
// ---------------------------------------------------------------------------

// WriteMetrics writes frame to the artifact for (listingID, date), replacing
// any previous file wholesale. An empty frame still produces a zero-row file.
//
//	<DataDir>/raw/<listing_id>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteMetrics(ctx context.Context, listingID string, date time.Time, frame *Frame) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := s.Path(listingID, date)
	meta := map[string]string{
		MetaListingID: listingID,
		MetaDate:      date.Format(util.DateLayout),
	}
	if err := writeFrameFile(path, frame, meta); err != nil {
		return "", fmt.Errorf("writing metrics for %s/%s: %w", listingID, date.Format(util.DateLayout), err)
	}
	return path, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// Path returns the filesystem path for a listing's daily metrics file.
// Layout: <dataDir>/raw/<listing_id>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) Path(listingID string, date time.Time) string {
	return filepath.Join(s.rawDir(), listingDir(listingID), date.Format(util.DateLayout)+".parquet")
}

func (s *ParquetStore) rawDir() string {
	return filepath.Join(s.DataDir, "raw")
}

// listingDir maps a listing ID onto a single path segment. Only the path
// separators, the escape character itself, and the dot names are
// percent-encoded; every other byte is kept as-is.
func listingDir(id string) string {
	switch id {
	case "":
		return "%00"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return dirEscaper.Replace(id)
}

var dirEscaper = strings.NewReplacer("%", "%25", "/", "%2F", `\`, "%5C")

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// frameSchema builds an all-optional flat schema for the frame's columns.
func frameSchema(frame *Frame) *parquet.Schema {
	group := parquet.Group{}
	for _, c := range frame.Columns {
		group[c.Name] = parquet.Optional(columnNode(c.Type))
	}
	return parquet.NewSchema("metrics", group)
}

func columnNode(t ColumnType) parquet.Node {
	switch t {
	case ColumnInt64:
		return parquet.Int(64)
	case ColumnDouble:
		return parquet.Leaf(parquet.DoubleType)
	case ColumnBool:
		return parquet.Leaf(parquet.BooleanType)
	case ColumnJSON:
		return parquet.JSON()
	default:
		return parquet.String()
	}
}

// frameRows converts frame rows into parquet rows ordered by the schema's
// leaf column indexes.
func frameRows(schema *parquet.Schema, frame *Frame) ([]parquet.Row, error) {
	leaf := make(map[string]int, len(frame.Columns))
	for i, path := range schema.Columns() {
		leaf[path[0]] = i
	}

	rows := make([]parquet.Row, 0, len(frame.Rows))
	for r, cells := range frame.Rows {
		row := make(parquet.Row, len(frame.Columns))
		for i, c := range frame.Columns {
			col := leaf[c.Name]
			cell := cells[i]
			if cell == nil {
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			v, err := cellValue(c.Type, cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", r, c.Name, err)
			}
			row[col] = v.Level(0, 1, col)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellValue(t ColumnType, cell *jsonlite.Value) (parquet.Value, error) {
	switch t {
	case ColumnInt64:
		n, err := strconv.ParseInt(cell.String(), 10, 64)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.Int64Value(n), nil
	case ColumnDouble:
		// Literals beyond float64 range are stored as the ±Inf ParseFloat
		// rounds them to.
		f, err := strconv.ParseFloat(cell.String(), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return parquet.Value{}, err
		}
		return parquet.DoubleValue(f), nil
	case ColumnBool:
		return parquet.BooleanValue(cell.Kind() == jsonlite.True), nil
	default:
		return parquet.ByteArrayValue([]byte(cellText(t, cell))), nil
	}
}

// writeFrameFile writes the frame to a temporary file beside path and renames
// it into place, so readers never observe a partially written artifact.
func writeFrameFile(path string, frame *Frame, meta map[string]string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	schema := frameSchema(frame)
	rows, err := frameRows(schema, frame)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := parquet.NewWriter(tmp,
		schema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(MetaListingID, meta[MetaListingID]),
		parquet.KeyValueMetadata(MetaDate, meta[MetaDate]),
	)
	if _, err = w.WriteRows(rows); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
