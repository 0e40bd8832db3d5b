package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaybot/mediarelay/internal/task"
)

// record is one journal line. op is "add" or "del"; add carries the
// task (and, in the retry journal, its origin stage), del carries the
// id only.
type record struct {
	Op    string     `json:"op"`
	Stage Stage      `json:"stage,omitempty"`
	Task  *task.Task `json:"task,omitempty"`
	ID    uint64     `json:"id,omitempty"`
}

// journal is a line-appended task log with periodic compaction. Single
// writer; the engine's mutex serializes access.
type journal struct {
	path string
	f    *os.File
	live int
	dead int
}

func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &journal{path: path, f: f}, nil
}

func (j *journal) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", j.path, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", j.path, err)
	}
	switch rec.Op {
	case opAdd:
		j.live++
	case opDel:
		j.live--
		j.dead++
	}
	return nil
}

const (
	opAdd = "add"
	opDel = "del"
)

// needsCompaction reports whether dead records dominate the file.
func (j *journal) needsCompaction() bool {
	return j.dead > 64 && j.dead > j.live
}

// rewrite replaces the journal contents with pure adds for the given
// records, via a temp file and atomic rename.
func (j *journal) rewrite(recs []record) error {
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("encoding record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replacing %s: %w", j.path, err)
	}
	if j.f != nil {
		j.f.Close()
	}
	nf, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening %s: %w", j.path, err)
	}
	j.f = nf
	j.live = len(recs)
	j.dead = 0
	return nil
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	return j.f.Close()
}

// readJournal parses every record in a journal file. Unparseable lines
// are skipped and counted; a torn final line from a crash mid-append is
// expected and harmless.
func readJournal(path string) (recs []record, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return recs, skipped, nil
}

func journalPath(dir string, stage Stage) string {
	return filepath.Join(dir, string(stage)+".log")
}
