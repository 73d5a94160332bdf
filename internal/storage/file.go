package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ranchd/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps every record in memory and persists it as:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal of saves since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery saves and on Close.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	records      map[string]map[string][]byte
	writes       int
}

type journalRecord struct {
	Kind string    `json:"kind"`
	Key  string    `json:"key"`
	Data []byte    `json:"data"`
	At   time.Time `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	records := map[string]map[string][]byte{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := replayJournal(journalPath, records, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	cut, err := trimTornTail(jf)
	if err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("repair journal: %w", err)
	}
	if cut > 0 {
		log.Warn("dropped torn journal tail", logx.String("path", journalPath), logx.Int64("bytes", cut))
	}
	log.Debug("file store loaded", logx.Int("kinds", len(records)), logx.Int("replayed", replayed))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		records:      records,
	}, nil
}

func (s *fileStore) Load(ctx context.Context, kind, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.records[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *fileStore) Save(ctx context.Context, kind, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}

	line, err := json.Marshal(journalRecord{Kind: kind, Key: key, Data: data, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	line = append(line, '\n')
	off, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(line); err != nil {
		// Never leave half a line for the next append to extend.
		if terr := s.journal.Truncate(off); terr != nil {
			return errors.Join(err, fmt.Errorf("roll back journal write: %w", terr))
		}
		return err
	}
	byKey := s.records[kind]
	if byKey == nil {
		byKey = map[string][]byte{}
		s.records[kind] = byKey
	}
	byKey[key] = append([]byte(nil), data...)

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	return errors.Join(cerr, err)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

// trimTornTail cuts a trailing partial line, left by a crash or a failed
// write, so the next append starts on a fresh line. It returns the bytes cut.
func trimTornTail(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()
	end := size
	buf := make([]byte, 4096)
	for end > 0 {
		n := min(int64(len(buf)), end)
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == size {
		return 0, nil
	}
	return size - end, f.Truncate(end)
}

func loadSnapshot(path string, out map[string]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for kind, byKey := range m {
		out[kind] = byKey
	}
	return nil
}

// replayJournal applies journal records on top of out. A torn trailing line
// from a crash is skipped.
func replayJournal(path string, out map[string]map[string][]byte, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		if r.Kind == "" || r.Key == "" {
			continue
		}
		byKey := out[r.Kind]
		if byKey == nil {
			byKey = map[string][]byte{}
			out[r.Kind] = byKey
		}
		byKey[r.Key] = r.Data
		n++
	}
	return n, sc.Err()
}
