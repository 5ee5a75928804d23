package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dataq-logger/internal/decoder"
)

var chunkHeader = []string{"timestamp", "device_type", "device_id", "channel", "value"}

// ChunkName is the file name of the chunk whose window starts at start.
func ChunkName(start time.Time) string {
	return start.Format("2006-01-02_15-04") + ".csv"
}

// WindowStart returns the start of the window containing t, aligned to
// the wall clock of t's location.
func WindowStart(t time.Time, window time.Duration) time.Time {
	_, offset := t.Zone()
	shift := time.Duration(offset) * time.Second
	return t.Add(shift).Truncate(window).Add(-shift)
}

// chunk is one append-only CSV file covering [start, start+window).
type chunk struct {
	start time.Time
	path  string
	file  *os.File
	w     *csv.Writer
	rows  int
}

func openChunk(dir string, start time.Time) (*chunk, error) {
	path := filepath.Join(dir, ChunkName(start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", path, err)
	}
	c := &chunk{start: start, path: path, file: f, w: csv.NewWriter(f)}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat chunk %s: %w", path, err)
	}
	if st.Size() == 0 {
		if err := c.w.Write(chunkHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write chunk header: %w", err)
		}
		if err := c.flush(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

// append writes one row per channel of r and flushes.
func (c *chunk) append(r decoder.Reading) error {
	ts := r.Timestamp.Format(time.RFC3339Nano)
	id := strconv.Itoa(r.DeviceID)
	for i, v := range r.Values {
		label := strconv.Itoa(i)
		if i < len(r.Channels) {
			label = r.Channels[i]
		}
		rec := []string{ts, r.Family, id, label, strconv.FormatFloat(v, 'f', 6, 64)}
		if err := c.w.Write(rec); err != nil {
			return err
		}
		c.rows++
	}
	return c.flush()
}

func (c *chunk) flush() error {
	c.w.Flush()
	return c.w.Error()
}

func (c *chunk) close() error {
	ferr := c.flush()
	cerr := c.file.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
