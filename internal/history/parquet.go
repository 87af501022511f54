package history

import (
	"bytes"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

// resultCell is one value of a result set in long form. Arbitrary
// column sets do not map onto a fixed parquet schema, so the export
// stores (row, column, value) triples instead.
type resultCell struct {
	RowIndex int64  `parquet:"row_index"`
	Column   string `parquet:"column"`
	Value    string `parquet:"value"`
	IsNull   bool   `parquet:"is_null"`
}

// EncodeResultParquet serializes a result set to parquet bytes.
func EncodeResultParquet(result table.ResultSet) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("result has no columns to export")
	}

	cells := make([]resultCell, 0, len(result.Rows)*len(result.Columns))
	for i, row := range result.Rows {
		for _, col := range result.Columns {
			cell := resultCell{RowIndex: int64(i), Column: col}
			if value, ok := row[col]; ok && value != nil {
				cell.Value = fmt.Sprintf("%v", value)
			} else {
				cell.IsNull = true
			}
			cells = append(cells, cell)
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultCell](buf)
	if _, err := writer.Write(cells); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportResultParquet writes a result set to a parquet file.
func ExportResultParquet(result table.ResultSet, path string) error {
	data, err := EncodeResultParquet(result)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write parquet file: %w", err)
	}
	return nil
}
