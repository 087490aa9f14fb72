package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/melosync/melosync/internal/list"
	"github.com/melosync/melosync/internal/rpc"
	"github.com/melosync/melosync/internal/snapshot"
)

// decodeArg decodes the i-th call argument into T.
func decodeArg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return v, nil
}

// registerHandlers installs the fixed operation table on a session's
// connection. Handlers receive the owning session, so every action is
// attributed without ambient state.
func (s *Server) registerHandlers(conn *rpc.Conn) {
	conn.Handle("list", "getVersionKey", s.handleGetVersionKey)
	conn.Handle("list", "getListData", s.handleGetListData)
	conn.Handle("list", "setListData", s.handleSetListData)
	conn.Handle("list", "playlistsCreate", s.handlePlaylistsCreate)
	conn.Handle("list", "playlistsRename", s.handlePlaylistsRename)
	conn.Handle("list", "playlistsRemove", s.handlePlaylistsRemove)
	conn.Handle("list", "musicsAdd", s.handleMusicsAdd)
	conn.Handle("list", "musicsRemove", s.handleMusicsRemove)
	conn.Handle("list", "musicsClear", s.handleMusicsClear)
	conn.Handle("list", "ready", s.handleListReady)

	conn.Handle("dislike", "getRules", s.handleDislikeGetRules)
	conn.Handle("dislike", "setRules", s.handleDislikeSetRules)
	conn.Handle("dislike", "ready", s.handleDislikeReady)
}

func ownerSession(owner any) (*Session, error) {
	sess, ok := owner.(*Session)
	if !ok {
		return nil, fmt.Errorf("call without session")
	}
	return sess, nil
}

func (s *Server) handleGetVersionKey(owner any, _ []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	return sess.Space().Snapshots.CurrentKey()
}

// handleGetListData serves the full list state and records the device as
// caught up to the current snapshot.
func (s *Server) handleGetListData(owner any, _ []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	space := sess.Space()
	digest, err := space.Snapshots.CurrentKey()
	if err != nil {
		return nil, err
	}
	if err := space.Snapshots.SetDevicePointer(sess.ClientID(), digest); err != nil {
		return nil, err
	}
	return space.Lists.Snapshot(), nil
}

// handleSetListData accepts a device's full list push. The push replaces
// the live data and commits; pushing content matching an older snapshot
// is recognized as a revert and reuses that digest.
func (s *Server) handleSetListData(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	data, err := decodeArg[list.Data](args, 0)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		st.SetAll(data)
		return nil
	})
}

func (s *Server) handlePlaylistsCreate(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	position, err := decodeArg[int](args, 0)
	if err != nil {
		return nil, err
	}
	lists, err := decodeArg[[]list.Playlist](args, 1)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		st.PlaylistsAdd(position, lists)
		return nil
	})
}

func (s *Server) handlePlaylistsRename(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	lists, err := decodeArg[[]list.Playlist](args, 0)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		st.PlaylistsUpdate(lists)
		return nil
	})
}

func (s *Server) handlePlaylistsRemove(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	ids, err := decodeArg[[]string](args, 0)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		st.PlaylistsRemove(ids)
		return nil
	})
}

func (s *Server) handleMusicsAdd(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	listID, err := decodeArg[string](args, 0)
	if err != nil {
		return nil, err
	}
	songs, err := decodeArg[[]list.SongInfo](args, 1)
	if err != nil {
		return nil, err
	}
	pos := sess.Space().InsertPosition()
	return s.mutate(sess, func(st *list.Store) error {
		return st.MusicsAdd(listID, songs, pos)
	})
}

func (s *Server) handleMusicsRemove(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	listID, err := decodeArg[string](args, 0)
	if err != nil {
		return nil, err
	}
	ids, err := decodeArg[[]string](args, 1)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		return st.MusicsRemove(listID, ids)
	})
}

func (s *Server) handleMusicsClear(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	listID, err := decodeArg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return s.mutate(sess, func(st *list.Store) error {
		return st.MusicsClear(listID)
	})
}

func (s *Server) handleListReady(owner any, _ []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	sess.MarkReady("list")
	return true, nil
}

func (s *Server) handleDislikeGetRules(owner any, _ []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	return sess.Space().DislikeRules()
}

func (s *Server) handleDislikeSetRules(owner any, args []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	rules, err := decodeArg[string](args, 0)
	if err != nil {
		return nil, err
	}
	if err := sess.Space().SetDislikeRules(rules); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) handleDislikeReady(owner any, _ []json.RawMessage) (any, error) {
	sess, err := ownerSession(owner)
	if err != nil {
		return nil, err
	}
	sess.MarkReady("dislike")
	return true, nil
}

// mutate applies one list mutation through the snapshot manager, records
// the pushing device as caught up, and fans the change out to the user's
// other sessions. The mutation is not durable until the commit succeeds;
// a persistence failure surfaces to the calling device with the live data
// rolled back.
func (s *Server) mutate(sess *Session, fn func(*list.Store) error) (string, error) {
	space := sess.Space()
	res, err := space.Snapshots.Apply(fn)
	if err != nil {
		return "", err
	}
	if err := space.Snapshots.SetDevicePointer(sess.ClientID(), res.Digest); err != nil {
		return "", err
	}

	info := sess.KeyInfo
	info.LastSyncDate = time.Now().UnixMilli()
	if err := space.Keys.Save(info); err != nil {
		s.logger.Warn("recording sync time failed",
			slog.String("client_id", sess.ClientID()),
			slog.String("error", err.Error()))
	}

	if res.Kind != snapshot.CommitUnchanged {
		s.hub.BroadcastListUpdate(sess)
	}
	return res.Digest, nil
}
