// Package directory maps recipient group names to chat ids and holds the
// staff roster.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	logx "advisorbot/pkg/logx"
)

// Snapshot is the on-disk document.
type Snapshot struct {
	StaffIDs    []int64          `json:"staff_ids"`
	StaffChatID int64            `json:"staff_chat_id"`
	Recipients  map[string]int64 `json:"recipient_chats"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		StaffIDs:    slices.Clone(s.StaffIDs),
		StaffChatID: s.StaffChatID,
		Recipients:  make(map[string]int64, len(s.Recipients)),
	}
	for k, v := range s.Recipients {
		out.Recipients[k] = v
	}
	return out
}

func (s Snapshot) validate() error {
	for name, id := range s.Recipients {
		if name == "" {
			return errors.New("recipient_chats: empty group name")
		}
		if id == 0 {
			return fmt.Errorf("recipient_chats[%q]: chat id must be non-zero", name)
		}
	}
	for _, id := range s.StaffIDs {
		if id == 0 {
			return errors.New("staff_ids: zero user id")
		}
	}
	return nil
}

// Store is the file-backed directory. Every change is written through
// immediately; writers are serialized.
type Store struct {
	path string
	log  logx.Logger

	writeMu sync.Mutex // held across mutate + save

	mu    sync.RWMutex
	snap  Snapshot
	staff map[int64]struct{}
}

// OpenStore loads path. A missing file yields an empty directory that is
// created on the first change.
func OpenStore(path string, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log}
	snap := Snapshot{Recipients: map[string]int64{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("directory file not found; starting empty", logx.String("path", path))
	case err != nil:
		return nil, err
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("directory %s: %w", path, err)
		}
		if snap.Recipients == nil {
			snap.Recipients = map[string]int64{}
		}
		if err := snap.validate(); err != nil {
			return nil, fmt.Errorf("directory %s: %w", path, err)
		}
	}
	s.setLocked(snap)
	return s, nil
}

func (s *Store) setLocked(snap Snapshot) {
	s.snap = snap
	s.staff = make(map[int64]struct{}, len(snap.StaffIDs))
	for _, id := range snap.StaffIDs {
		s.staff[id] = struct{}{}
	}
}

func (s *Store) Lookup(group string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.snap.Recipients[group]
	return id, ok
}

func (s *Store) IsStaff(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.staff[userID]
	return ok
}

func (s *Store) StaffChatID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.StaffChatID
}

// Snapshot returns a copy of the current directory.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Put maps group to chatID and persists it. changed is false when the
// mapping already held. A failed write keeps the in-memory change.
func (s *Store) Put(group string, chatID int64) (changed bool, err error) {
	if group == "" || chatID == 0 {
		return false, errors.New("directory: group and chat id are required")
	}
	return s.update(func(snap *Snapshot) bool {
		if snap.Recipients[group] == chatID {
			return false
		}
		snap.Recipients[group] = chatID
		return true
	})
}

// SetStaff replaces the staff roster and the staff chat.
func (s *Store) SetStaff(chatID int64, userIDs []int64) error {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	_, err := s.update(func(snap *Snapshot) bool {
		if snap.StaffChatID == chatID && slices.Equal(snap.StaffIDs, ids) {
			return false
		}
		snap.StaffChatID = chatID
		snap.StaffIDs = ids
		return true
	})
	return err
}

func (s *Store) update(mutate func(*Snapshot) bool) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	next := s.snap.clone()
	if !mutate(&next) {
		s.mu.Unlock()
		return false, nil
	}
	s.setLocked(next)
	s.mu.Unlock()

	if err := s.save(next); err != nil {
		s.log.Error("directory save failed; change kept in memory", logx.String("path", s.path), logx.Err(err))
		return true, err
	}
	return true, nil
}

// save writes snap pretty-printed through a temp file and rename.
func (s *Store) save(snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".directory-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
