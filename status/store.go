package status

import (
	"io/ioutil"
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
)

type fileStore struct {
	filename string
	lock     sync.RWMutex
}

// New returns a StatusStore persisting snapshots as JSON keyed by the
// transport object path.
func New(filename string) bluealsa.StatusStore {
	return &fileStore{filename: filename}
}

func (fs *fileStore) Store(st bluealsa.TransportStatus, replace bool) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	snapshot, err := fs.loadExisting()
	if err != nil {
		return err
	}

	_, ok := snapshot[st.Path]
	if ok && !replace {
		return errors.Errorf("status already contains %s", st.Path)
	}

	snapshot[st.Path] = st
	return fs.storeSnapshot(snapshot)
}

func (fs *fileStore) Load(path string) (bluealsa.TransportStatus, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	snapshot, err := fs.loadExisting()
	if err != nil {
		return bluealsa.TransportStatus{}, err
	}

	st, ok := snapshot[path]
	if !ok {
		return bluealsa.TransportStatus{}, errors.Errorf("status for %s not found", path)
	}

	return st, nil
}

func (fs *fileStore) Remove(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	snapshot, err := fs.loadExisting()
	if err != nil {
		return err
	}
	if _, ok := snapshot[path]; !ok {
		return nil
	}

	delete(snapshot, path)
	return fs.storeSnapshot(snapshot)
}

// List returns every stored transport ordered by path.
func (fs *fileStore) List() ([]bluealsa.TransportStatus, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	snapshot, err := fs.loadExisting()
	if err != nil {
		return nil, err
	}

	out := make([]bluealsa.TransportStatus, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (fs *fileStore) Clear() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	err := os.Remove(fs.filename)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "can't remove status file")
	}

	return nil
}

func (fs *fileStore) loadExisting() (map[string]bluealsa.TransportStatus, error) {
	_, err := os.Stat(fs.filename)
	if os.IsNotExist(err) {
		return map[string]bluealsa.TransportStatus{}, nil
	}

	in, err := ioutil.ReadFile(fs.filename)
	if err != nil {
		return nil, errors.Wrap(err, "can't read status file")
	}

	var snapshot map[string]bluealsa.TransportStatus
	if err := jsoniter.Unmarshal(in, &snapshot); err != nil {
		return nil, errors.Wrap(err, "can't decode status file")
	}
	if snapshot == nil {
		snapshot = map[string]bluealsa.TransportStatus{}
	}

	return snapshot, nil
}

func (fs *fileStore) storeSnapshot(snapshot map[string]bluealsa.TransportStatus) error {
	out, err := jsoniter.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "can't encode status")
	}

	return errors.Wrap(ioutil.WriteFile(fs.filename, out, 0644), "can't write status file")
}
