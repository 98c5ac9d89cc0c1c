package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BucketName is the replay file that t falls into: one file per 10-minute window,
// named <prefix>-<month>-<day>-<hour>-<MM>.jsonl with MM the window start.
func BucketName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%d-%d-%d-%02d.jsonl", prefix, int(t.Month()), t.Day(), t.Hour(), t.Minute()/10*10)
}

// BucketWriter appends raw lines to the current 10-minute bucket file, rolling over as the
// clock moves. Safe for concurrent use.
type BucketWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	name string
	f    *os.File
}

func NewBucketWriter(dir, prefix string) (*BucketWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &BucketWriter{dir: dir, prefix: prefix, now: time.Now}, nil
}

// Write appends one line (a newline is added when missing) and returns the file it went to.
func (w *BucketWriter) Write(line []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name := filepath.Join(w.dir, BucketName(w.prefix, w.now()))
	if name != w.name || w.f == nil {
		if w.f != nil {
			_ = w.f.Close()
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.f, w.name = nil, ""
			return "", err
		}
		w.f, w.name = f, name
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte(nil), line...), '\n')
	}
	if _, err := w.f.Write(line); err != nil {
		return name, err
	}
	return name, nil
}

func (w *BucketWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f, w.name = nil, ""
	return err
}
