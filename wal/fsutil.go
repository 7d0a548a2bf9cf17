package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix    = "wal-"
	quarantineSuffix = ".corrupt"
)

// segmentName returns the file name of a segment index
func segmentName(index int) string {
	return fmt.Sprintf("%s%05d", segmentPrefix, index)
}

// parseSegmentName returns the index encoded in a segment file name.
// Quarantined and temporary files do not parse.
func parseSegmentName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, segmentPrefix)
	if !ok || len(digits) < 5 {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// findSegments finds all WAL segment files in a directory and returns their indices
func findSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if idx, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

// FirstPosition returns the start of the oldest segment in dir
func FirstPosition(dir string) (Position, error) {
	segments, err := findSegments(dir)
	if err != nil {
		return Position{}, err
	}
	if len(segments) == 0 {
		return Position{}, ErrWALNotFound
	}
	return Position{Segment: segments[0]}, nil
}

// syncDir makes directory entry changes (create, rename, remove) durable
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// WriteFileAtomic replaces path with data so that a crash leaves either the
// old or the new content: write to a temp file, fsync, rename, fsync dir.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}
