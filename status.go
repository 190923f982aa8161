package bluealsa

// TransportStatus is a point-in-time view of a transport.
type TransportStatus struct {
	Path     string  `json:"path"`
	Device   Addr    `json:"device"`
	Profile  Profile `json:"profile"`
	Codec    string  `json:"codec"`
	Acquired bool    `json:"acquired"`
	State    string  `json:"state,omitempty"`
	SLC      string  `json:"slc,omitempty"`
	// Battery is the remote battery level in percent, -1 when unknown.
	Battery  int `json:"battery"`
	MTURead  int `json:"mtu_read,omitempty"`
	MTUWrite int `json:"mtu_write,omitempty"`
}

type StatusStore interface {
	Store(TransportStatus, bool) error
	Load(path string) (TransportStatus, error)
	Remove(path string) error
	List() ([]TransportStatus, error)
	Clear() error
}
