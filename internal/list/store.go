// Package list holds the in-memory music list state for a user and the
// mutations remote devices apply to it.
package list

import (
	"fmt"
	"sync"
)

// ErrListNotFound is returned when a mutation targets a list id that
// does not exist.
var ErrListNotFound = fmt.Errorf("list not found")

// Store is the live copy of one user's list data. All mutations and reads
// are safe for concurrent use; reads return deep copies.
type Store struct {
	mu   sync.RWMutex
	data Data
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: Empty()}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Restore replaces the full state with a deep copy of data.
func (s *Store) Restore(data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data.Clone()
}

// SetAll replaces the full state. Alias of Restore matching the remote
// operation name.
func (s *Store) SetAll(data Data) {
	s.Restore(data)
}

// PlaylistsAdd inserts playlists at position in the user list. A position
// past the end appends; a negative position prepends.
func (s *Store) PlaylistsAdd(position int, lists []Playlist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 {
		position = 0
	}
	if position > len(s.data.UserList) {
		position = len(s.data.UserList)
	}
	cloned := make([]Playlist, len(lists))
	for i, pl := range lists {
		cp := pl
		cp.List = append([]SongInfo(nil), pl.List...)
		if cp.List == nil {
			cp.List = []SongInfo{}
		}
		cloned[i] = cp
	}
	out := make([]Playlist, 0, len(s.data.UserList)+len(cloned))
	out = append(out, s.data.UserList[:position]...)
	out = append(out, cloned...)
	out = append(out, s.data.UserList[position:]...)
	s.data.UserList = out
}

// PlaylistsUpdate overwrites the metadata of existing playlists, keyed by
// id. The song list of each updated playlist is replaced as well. Unknown
// ids are ignored, matching remote clients that race a removal.
func (s *Store) PlaylistsUpdate(lists []Playlist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]Playlist, len(lists))
	for _, pl := range lists {
		byID[pl.ID] = pl
	}
	for i, pl := range s.data.UserList {
		upd, ok := byID[pl.ID]
		if !ok {
			continue
		}
		cp := upd
		cp.List = append([]SongInfo(nil), upd.List...)
		if cp.List == nil {
			cp.List = []SongInfo{}
		}
		s.data.UserList[i] = cp
	}
}

// PlaylistsRemove deletes the playlists with the given ids.
func (s *Store) PlaylistsRemove(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.data.UserList[:0]
	for _, pl := range s.data.UserList {
		if _, ok := drop[pl.ID]; !ok {
			kept = append(kept, pl)
		}
	}
	s.data.UserList = kept
}

// MusicsAdd inserts songs into the list identified by listID. Songs already
// present (by id) are skipped.
func (s *Store) MusicsAdd(listID string, songs []SongInfo, pos InsertPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := s.listLocked(listID)
	if err != nil {
		return err
	}
	existing := make(map[string]struct{}, len(*target))
	for _, song := range *target {
		existing[song.ID] = struct{}{}
	}
	fresh := make([]SongInfo, 0, len(songs))
	for _, song := range songs {
		if _, ok := existing[song.ID]; ok {
			continue
		}
		existing[song.ID] = struct{}{}
		fresh = append(fresh, song)
	}
	if len(fresh) == 0 {
		return nil
	}
	switch pos {
	case InsertTop:
		*target = append(fresh, *target...)
	default:
		*target = append(*target, fresh...)
	}
	return nil
}

// MusicsRemove deletes songs by id from the list identified by listID.
func (s *Store) MusicsRemove(listID string, songIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := s.listLocked(listID)
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(songIDs))
	for _, id := range songIDs {
		drop[id] = struct{}{}
	}
	kept := (*target)[:0]
	for _, song := range *target {
		if _, ok := drop[song.ID]; !ok {
			kept = append(kept, song)
		}
	}
	*target = kept
	return nil
}

// MusicsClear empties the list identified by listID.
func (s *Store) MusicsClear(listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := s.listLocked(listID)
	if err != nil {
		return err
	}
	*target = []SongInfo{}
	return nil
}

// listLocked resolves listID to the backing slice. Caller holds s.mu.
func (s *Store) listLocked(listID string) (*[]SongInfo, error) {
	switch listID {
	case DefaultListID:
		return &s.data.DefaultList, nil
	case LoveListID:
		return &s.data.LoveList, nil
	}
	for i := range s.data.UserList {
		if s.data.UserList[i].ID == listID {
			return &s.data.UserList[i].List, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrListNotFound, listID)
}
