package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"subdash/internal/events"
	appLog "subdash/internal/log"
)

// FileSource keeps subscriptions in a YAML document on disk:
//
//	subscriptions:
//	  - id: sub-1
//	    subscriber_name: Amira
//	    ...
type FileSource struct {
	path string
	mu   sync.Mutex
}

type fileDoc struct {
	Subscriptions []events.Subscription `yaml:"subscriptions"`
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// List reads the file on every call. A missing file is an empty list.
func (f *FileSource) List(_ context.Context) ([]events.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Subscriptions, nil
}

// Create validates s, appends it and rewrites the file atomically.
func (f *FileSource) Create(_ context.Context, s events.Subscription) (events.Subscription, error) {
	if err := s.Validate(); err != nil {
		return events.Subscription{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return events.Subscription{}, err
	}
	for _, existing := range doc.Subscriptions {
		if existing.ID == s.ID {
			return events.Subscription{}, fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
		}
	}
	doc.Subscriptions = append(doc.Subscriptions, s)
	if err := f.write(doc); err != nil {
		return events.Subscription{}, err
	}
	appLog.Info("subscription created", "id", s.ID, "path", f.path)
	return s, nil
}

func (f *FileSource) read() (fileDoc, error) {
	var doc fileDoc
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc, nil
}

// write replaces the file via temp file + rename so readers never see a
// partial document.
func (f *FileSource) write(doc fileDoc) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".subdash-data-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
