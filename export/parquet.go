package export

import (
	"fmt"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/efield-lab/goaefi/sample"
)

// ParquetRow is the column schema for parquet exports.  Eight channel
// columns are always present; unused ones are zero for narrower layouts.
type ParquetRow struct {
	Index      uint64  `parquet:"index"`
	TRel       float64 `parquet:"timestamp_rel"`
	Segment    string  `parquet:"segment_id"`
	ActiveLine bool    `parquet:"is_active_line"`
	Ch1        float64 `parquet:"ch1_v"`
	Ch2        float64 `parquet:"ch2_v"`
	Ch3        float64 `parquet:"ch3_v"`
	Ch4        float64 `parquet:"ch4_v"`
	Ch5        float64 `parquet:"ch5_v"`
	Ch6        float64 `parquet:"ch6_v"`
	Ch7        float64 `parquet:"ch7_v"`
	Ch8        float64 `parquet:"ch8_v"`
}

// ParquetRecorder writes sessions as a parquet file with the acquisition
// configuration embedded as key/value metadata.
type ParquetRecorder struct {
	path string
	f    *os.File
	w    *parquet.GenericWriter[ParquetRow]
}

// NewParquetRecorder creates the output file.  Every meta entry becomes a
// key/value pair in the parquet file metadata.
func NewParquetRecorder(path string, meta map[string]string) (*ParquetRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", path, err)
	}
	opts := make([]parquet.WriterOption, 0, len(meta))
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}
	return &ParquetRecorder{
		path: path,
		f:    f,
		w:    parquet.NewGenericWriter[ParquetRow](f, opts...),
	}, nil
}

// Path returns the file the recorder writes to.
func (r *ParquetRecorder) Path() string { return r.path }

// WriteBatch appends one drained buffer as a row group chunk.
func (r *ParquetRecorder) WriteBatch(batch []sample.Sample) error {
	rows := make([]ParquetRow, len(batch))
	for i, s := range batch {
		v := func(ch int) float64 {
			if ch < len(s.Volts) {
				return s.Volts[ch]
			}
			return 0
		}
		rows[i] = ParquetRow{
			Index:      s.Seq,
			TRel:       s.T,
			Segment:    s.Segment,
			ActiveLine: s.ActiveLine,
			Ch1:        v(0), Ch2: v(1), Ch3: v(2), Ch4: v(3),
			Ch5: v(4), Ch6: v(5), Ch7: v(6), Ch8: v(7),
		}
	}
	if _, err := r.w.Write(rows); err != nil {
		return fmt.Errorf("export: write parquet rows: %w", err)
	}
	return nil
}

// Finalize closes the parquet writer, which flushes the footer, then syncs
// and closes the file.  The summary totals are recoverable from the row
// count, so nothing extra is appended.
func (r *ParquetRecorder) Finalize(Summary) error {
	if err := r.w.Close(); err != nil {
		r.f.Close()
		return fmt.Errorf("export: close parquet writer: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		r.f.Close()
		return fmt.Errorf("export: sync %s: %w", r.path, err)
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", r.path, err)
	}
	return nil
}
