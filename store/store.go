// Package store persists the last-connected device record to a file.
package store

import (
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/lumaring/ring"
)

type deviceStore struct {
	filename string
	lock     sync.RWMutex
}

// New returns a file-backed ring.DeviceStore. The file is created on
// first save.
func New(filename string) ring.DeviceStore {
	ds := deviceStore{
		filename: filename,
	}

	return &ds
}

func (ds *deviceStore) Save(d ring.PersistedDevice) error {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	out, err := jsoniter.Marshal(&d)
	if err != nil {
		return errors.Wrap(err, "marshal device record")
	}

	err = ioutil.WriteFile(ds.filename, out, 0600)
	if err != nil {
		return errors.Wrap(err, "write device record")
	}

	return nil
}

func (ds *deviceStore) Load() (ring.PersistedDevice, bool, error) {
	ds.lock.RLock()
	defer ds.lock.RUnlock()

	var d ring.PersistedDevice

	_, err := os.Stat(ds.filename)
	if os.IsNotExist(err) {
		return d, false, nil
	}

	data, err := ioutil.ReadFile(ds.filename)
	if err != nil {
		return d, false, errors.Wrap(err, "read device record")
	}

	if len(data) == 0 {
		return d, false, nil
	}

	if err := jsoniter.Unmarshal(data, &d); err != nil {
		return d, false, errors.Wrap(err, "unmarshal device record")
	}

	return d, true, nil
}

func (ds *deviceStore) Clear() error {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	err := os.Remove(ds.filename)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove device record")
	}

	return nil
}
