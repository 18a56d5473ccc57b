package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"rmcopilot/internal/util"
)

// Artifact summarizes a written metrics file.
type Artifact struct {
	Path      string
	Columns   []string
	NumRows   int64
	ListingID string
	Date      string
}

// ReadArtifact opens the Parquet file at path and reports its shape and
// metadata.
func ReadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	a := &Artifact{Path: path, NumRows: pf.NumRows()}
	for _, col := range pf.Schema().Columns() {
		a.Columns = append(a.Columns, strings.Join(col, "."))
	}
	a.ListingID, _ = pf.Lookup(MetaListingID)
	a.Date, _ = pf.Lookup(MetaDate)
	return a, nil
}

// ReadRows returns every row of the Parquet file at path.
func ReadRows(path string) ([]parquet.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var out []parquet.Row
	for _, rg := range pf.RowGroups() {
		rows, err := readRowGroup(rg)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func readRowGroup(rg parquet.RowGroup) ([]parquet.Row, error) {
	rr := rg.Rows()
	defer rr.Close()

	var out []parquet.Row
	buf := make([]parquet.Row, 64)
	for {
		n, err := rr.ReadRows(buf)
		for _, row := range buf[:n] {
			out = append(out, row.Clone())
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// ---------------------------------------------------------------------------
// RunMarker implementation
// ---------------------------------------------------------------------------

const lastCompletedFile = ".last-completed"

// MarkCompleted writes the given date to <DataDir>/.last-completed. The
// marker sits outside raw/ so it can never collide with a listing directory.
func (s *ParquetStore) MarkCompleted(date time.Time) error {
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(s.DataDir, lastCompletedFile)
	return os.WriteFile(path, []byte(date.Format(util.DateLayout)+"\n"), 0o644)
}

// LastCompleted returns the date string from .last-completed, or empty string.
func (s *ParquetStore) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(s.DataDir, lastCompletedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
