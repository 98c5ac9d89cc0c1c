package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileSource reads newline-delimited posts from a list of files in order.
type FileSource struct {
	files []string
	idx   int
	f     *os.File
	r     *bufio.Reader
	line  int
}

// OpenFiles reads paths one after another. Files are opened lazily.
func OpenFiles(paths ...string) *FileSource {
	return &FileSource{files: append([]string(nil), paths...)}
}

// OpenDir reads every bucket in dir matching pattern, oldest first.
func OpenDir(dir, pattern string, skipNewest bool) (*FileSource, error) {
	files, err := ListBuckets(dir, pattern, skipNewest)
	if err != nil {
		return nil, err
	}
	return OpenFiles(files...), nil
}

// BucketFile is a replay file with its modification time.
type BucketFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// ListBuckets returns matching files oldest first. With skipNewest the most recently modified
// file is left out because the stream may still be appending to it.
func ListBuckets(dir, pattern string, skipNewest bool) ([]string, error) {
	files, err := StatBuckets(dir, pattern, skipNewest)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out, nil
}

// StatBuckets is ListBuckets with file metadata.
func StatBuckets(dir, pattern string, skipNewest bool) ([]BucketFile, error) {
	if pattern == "" {
		pattern = "*.jsonl"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	files := make([]BucketFile, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if st.IsDir() {
			continue
		}
		files = append(files, BucketFile{Path: m, ModTime: st.ModTime(), Size: st.Size()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	if skipNewest && len(files) > 0 {
		files = files[:len(files)-1]
	}
	return files, nil
}

// Next returns the next record. A malformed line yields a *DecodeError and reading continues
// with the following line on the next call.
func (s *FileSource) Next(ctx context.Context) (Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		if s.r == nil {
			if s.idx >= len(s.files) {
				return Envelope{}, io.EOF
			}
			f, err := os.Open(s.files[s.idx])
			if err != nil {
				return Envelope{}, fmt.Errorf("open %s: %w", s.files[s.idx], err)
			}
			s.f, s.r, s.line = f, bufio.NewReaderSize(f, 64*1024), 0
		}
		b, err := s.r.ReadBytes('\n')
		if errors.Is(err, io.EOF) && len(b) == 0 {
			s.closeCurrent()
			s.idx++
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return Envelope{}, fmt.Errorf("read %s: %w", s.files[s.idx], err)
		}
		s.line++
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			continue
		}
		origin := fmt.Sprintf("%s:%d", s.files[s.idx], s.line)
		rec, derr := Decode(b)
		if derr != nil {
			return Envelope{}, &DecodeError{Origin: origin, Data: b, Err: derr}
		}
		return Envelope{Record: rec, Origin: origin}, nil
	}
}

func (s *FileSource) closeCurrent() {
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f, s.r = nil, nil
}

func (s *FileSource) Close() error {
	s.closeCurrent()
	s.idx = len(s.files)
	return nil
}
