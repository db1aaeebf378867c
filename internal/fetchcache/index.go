package fetchcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
)

// IndexFile is written at the store root and lists every completed key.
const IndexFile = ".shrinkwrap-index.json"

type indexRecord struct {
	Key  Key    `json:"key"`
	Path string `json:"path"`
}

type index struct {
	Version int           `json:"version"`
	Entries []indexRecord `json:"entries"`
}

func (s *Store) indexPath() string {
	return filepath.Join(s.opts.Root, IndexFile)
}

// SaveIndex writes the completed keys and their locations, relative to the
// root, to the index file.
func (s *Store) SaveIndex() error {
	if s.opts.Root == "" {
		return nil
	}

	// Snapshot and write under one lock: saves land in snapshot order.
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	s.mu.Lock()
	records := make([]indexRecord, 0, len(s.entries))
	for k, e := range s.entries {
		if e.state != stateComplete {
			continue
		}
		path := e.target
		if rel, err := filepath.Rel(s.opts.Root, e.target); err == nil {
			path = filepath.ToSlash(rel)
		}
		records = append(records, indexRecord{Key: k, Path: path})
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key.String() < records[j].Key.String()
	})

	data, err := json.MarshalIndent(index{Version: 1, Entries: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding fetch index: %w", err)
	}

	if err := os.MkdirAll(s.opts.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", s.opts.Root, err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing fetch index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("replacing fetch index: %w", err)
	}
	return nil
}

// Prime loads the index of an earlier run. Keys whose recorded location
// still exists become complete entries, so later requests for them are hits
// and never fetch. A missing index primes nothing.
func (s *Store) Prime() error {
	log := logger.Logger()

	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("no fetch index at %s", s.indexPath())
			return nil
		}
		return fmt.Errorf("reading fetch index: %w", err)
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parsing fetch index %s: %w", s.indexPath(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range idx.Entries {
		target := rec.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(s.opts.Root, filepath.FromSlash(target))
		}
		ok, err := file.Exists(target)
		if err != nil || !ok {
			log.Debugf("index entry %s is gone from %s, will fetch again", rec.Key, target)
			continue
		}
		if _, exists := s.entries[rec.Key]; exists {
			continue
		}
		s.entries[rec.Key] = &entry{
			key:    rec.Key,
			target: target,
			done:   func(string) bool { return true },
			state:  stateComplete,
		}
		s.stats.Primed++
	}
	log.Infof("primed %d artifacts from %s", s.stats.Primed, s.indexPath())
	return nil
}
