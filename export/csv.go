package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/snksoft/crc"

	"github.com/efield-lab/goaefi/sample"
)

// CSVRecorder writes sessions as a three part text file: a commented
// metadata header, the CSV sample body, and a commented footer holding the
// totals and a CRC-16/XMODEM checksum of the body bytes.  The footer is
// what distinguishes a complete file from one cut short by a crash.
type CSVRecorder struct {
	path     string
	f        *os.File
	bufw     *bufio.Writer
	body     *csv.Writer
	bodyCRC  *crcWriter
	channels int
}

// crcWriter accumulates a CRC-16/XMODEM over everything written to it.
type crcWriter struct {
	table *crc.Table
	state uint64
}

func newCRCWriter() *crcWriter {
	t := crc.NewTable(crc.XMODEM)
	return &crcWriter{table: t, state: t.InitCrc()}
}

func (w *crcWriter) Write(p []byte) (int, error) {
	w.state = w.table.UpdateCrc(w.state, p)
	return len(p), nil
}

func (w *crcWriter) Sum16() uint16 { return w.table.CRC16(w.state) }

// NewCSVRecorder creates the output file and writes the metadata header.
// meta keys are emitted sorted so files diff cleanly.
func NewCSVRecorder(path string, channels int, meta map[string]string) (*CSVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", path, err)
	}
	r := &CSVRecorder{
		path:     path,
		f:        f,
		bufw:     bufio.NewWriterSize(f, 64*1024),
		bodyCRC:  newCRCWriter(),
		channels: channels,
	}
	// the body writer feeds the checksum as a side effect
	r.body = csv.NewWriter(io.MultiWriter(r.bufw, r.bodyCRC))

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(r.bufw, "# %s,%s\n", k, meta[k]); err != nil {
			f.Close()
			return nil, fmt.Errorf("export: write header: %w", err)
		}
	}

	head := []string{"index", "timestamp_rel", "segment_id", "is_active_line"}
	for i := 1; i <= channels; i++ {
		head = append(head, fmt.Sprintf("ch%d_v", i))
	}
	r.body.Write(head)
	r.body.Flush()
	if err := r.body.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("export: write column header: %w", err)
	}
	return r, nil
}

// Path returns the file the recorder writes to.
func (r *CSVRecorder) Path() string { return r.path }

// WriteBatch appends one drained buffer to the body.
func (r *CSVRecorder) WriteBatch(batch []sample.Sample) error {
	row := make([]string, 0, 4+r.channels)
	for _, s := range batch {
		row = row[:0]
		row = append(row,
			strconv.FormatUint(s.Seq, 10),
			strconv.FormatFloat(s.T, 'f', 6, 64),
			s.Segment,
			strconv.FormatBool(s.ActiveLine),
		)
		for i := 0; i < r.channels; i++ {
			v := 0.0
			if i < len(s.Volts) {
				v = s.Volts[i]
			}
			row = append(row, strconv.FormatFloat(v, 'g', 9, 64))
		}
		if err := r.body.Write(row); err != nil {
			return fmt.Errorf("export: write row %d: %w", s.Seq, err)
		}
	}
	r.body.Flush()
	if err := r.body.Error(); err != nil {
		return fmt.Errorf("export: flush body: %w", err)
	}
	return nil
}

// Finalize writes the footer, flushes and fsyncs the file.  After a nil
// return the file on disk is complete and self-checking.
func (r *CSVRecorder) Finalize(sum Summary) error {
	r.body.Flush()
	fmt.Fprintf(r.bufw, "# samples_written,%d\n", sum.SamplesWritten)
	fmt.Fprintf(r.bufw, "# samples_dropped,%d\n", sum.Dropped)
	fmt.Fprintf(r.bufw, "# ended_at,%s\n", sum.End.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(r.bufw, "# body_crc16,%04X\n", r.bodyCRC.Sum16())
	if err := r.bufw.Flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("export: flush footer: %w", err)
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
