package list

// Built-in list identifiers. User playlists carry their own ids.
const (
	DefaultListID = "default"
	LoveListID    = "love"
)

// SongInfo is one entry in a list.
type SongInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Singer    string `json:"singer"`
	AlbumName string `json:"albumName"`
	Source    string `json:"source"`
	Interval  string `json:"interval,omitempty"`
}

// Playlist is a user-created ordered collection of songs.
type Playlist struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Source             string     `json:"source,omitempty"`
	SourceListID       string     `json:"sourceListId,omitempty"`
	LocationUpdateTime int64      `json:"locationUpdateTime,omitempty"`
	List               []SongInfo `json:"list"`
}

// Data is the full list state for one user: the ephemeral default list,
// the favorites list, and the ordered set of user playlists.
type Data struct {
	DefaultList []SongInfo `json:"defaultList"`
	LoveList    []SongInfo `json:"loveList"`
	UserList    []Playlist `json:"userList"`
}

// InsertPosition controls where new songs land in a list.
type InsertPosition int

const (
	// InsertTop prepends new songs.
	InsertTop InsertPosition = iota
	// InsertBottom appends new songs.
	InsertBottom
)

// Empty returns a Data value with all slices initialized, so it serializes
// to arrays rather than nulls.
func Empty() Data {
	return Data{
		DefaultList: []SongInfo{},
		LoveList:    []SongInfo{},
		UserList:    []Playlist{},
	}
}

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	out := Data{
		DefaultList: append([]SongInfo(nil), d.DefaultList...),
		LoveList:    append([]SongInfo(nil), d.LoveList...),
		UserList:    make([]Playlist, len(d.UserList)),
	}
	if out.DefaultList == nil {
		out.DefaultList = []SongInfo{}
	}
	if out.LoveList == nil {
		out.LoveList = []SongInfo{}
	}
	for i, pl := range d.UserList {
		cp := pl
		cp.List = append([]SongInfo(nil), pl.List...)
		if cp.List == nil {
			cp.List = []SongInfo{}
		}
		out.UserList[i] = cp
	}
	return out
}
