package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

// EventKind is the kind of change a SyncEvent describes.
type EventKind int

const (
	DirectoryCreate EventKind = iota
	DirectoryDelete
	FileCreate
	FileDelete
	FileModify
)

func (k EventKind) String() string {
	switch k {
	case DirectoryCreate:
		return "DIRECTORY_CREATE"
	case DirectoryDelete:
		return "DIRECTORY_DELETE"
	case FileCreate:
		return "FILE_CREATE"
	case FileDelete:
		return "FILE_DELETE"
	case FileModify:
		return "FILE_MODIFY"
	}
	return "UNKNOWN"
}

// SyncEvent is a change to the local tree that peers should apply. The
// Descriptor is only set for file events.
type SyncEvent struct {
	Kind       EventKind
	PathName   string
	Descriptor protocol.FileDescriptor
}

// Entry is a file or directory seen by a scan.
type Entry struct {
	IsDir      bool
	Descriptor protocol.FileDescriptor
}

// Snapshot maps root-relative paths to what was found there.
type Snapshot map[string]Entry

// GenerateSyncEvents returns the full state of the tree: a DirectoryCreate
// for every directory, parents first, followed by a FileCreate for every
// file.
func (s *FileSystem) GenerateSyncEvents() []SyncEvent {
	snapshot, err := s.scan()
	if err != nil {
		log.WithError(err).Warn("Failed to scan sync directory")
		return nil
	}
	return Diff(Snapshot{}, snapshot)
}

// scan walks the tree and refreshes the content index.
func (s *FileSystem) scan() (Snapshot, error) {
	snapshot := Snapshot{}
	err := afero.Walk(s.fs, s.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			// Files may disappear while the walk is in progress.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if path == s.root || strings.HasSuffix(path, loaderSuffix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errors.WithContext(err, "normalized path")
		}
		rel = filepath.ToSlash(rel)

		if fi.IsDir() {
			snapshot[rel] = Entry{IsDir: true}
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		hash, err := s.hash(path, fi)
		if err != nil {
			log.WithError(err).WithField("path", rel).Debug("Skipping file that couldn't be hashed")
			return nil
		}

		snapshot[rel] = Entry{Descriptor: protocol.FileDescriptor{
			MD5:          hash,
			LastModified: fi.ModTime().UnixNano() / int64(1e6),
			FileSize:     fi.Size(),
		}}
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "walk")
	}

	index := map[string][]string{}
	for path, entry := range snapshot {
		if !entry.IsDir {
			index[entry.Descriptor.MD5] = append(index[entry.Descriptor.MD5], path)
		}
	}

	s.lock.Lock()
	s.index = index
	s.lock.Unlock()
	return snapshot, nil
}

// Diff returns the events that turn `old` into `curr`. Directories are
// created before the files inside them, and deleted after.
func Diff(old, curr Snapshot) (events []SyncEvent) {
	var dirCreates, fileChanges, fileDeletes, dirDeletes []SyncEvent
	for path, entry := range curr {
		prev, existed := old[path]
		switch {
		case entry.IsDir && (!existed || !prev.IsDir):
			dirCreates = append(dirCreates, SyncEvent{Kind: DirectoryCreate, PathName: path})
		case entry.IsDir:
		case !existed || prev.IsDir:
			fileChanges = append(fileChanges, SyncEvent{
				Kind: FileCreate, PathName: path, Descriptor: entry.Descriptor})
		case !prev.Descriptor.SameContent(entry.Descriptor):
			fileChanges = append(fileChanges, SyncEvent{
				Kind: FileModify, PathName: path, Descriptor: entry.Descriptor})
		}
	}

	for path, prev := range old {
		entry, exists := curr[path]
		if exists && entry.IsDir == prev.IsDir {
			continue
		}

		if prev.IsDir {
			dirDeletes = append(dirDeletes, SyncEvent{Kind: DirectoryDelete, PathName: path})
		} else {
			fileDeletes = append(fileDeletes, SyncEvent{
				Kind: FileDelete, PathName: path, Descriptor: prev.Descriptor})
		}
	}

	sortByPath(dirCreates)
	sortByPath(fileChanges)
	sortByPath(fileDeletes)
	sortByPath(dirDeletes)
	// Children sort after their parents, so reverse to delete them first.
	for i, j := 0, len(dirDeletes)-1; i < j; i, j = i+1, j-1 {
		dirDeletes[i], dirDeletes[j] = dirDeletes[j], dirDeletes[i]
	}

	events = append(events, dirCreates...)
	events = append(events, fileChanges...)
	events = append(events, fileDeletes...)
	return append(events, dirDeletes...)
}

func sortByPath(events []SyncEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].PathName < events[j].PathName
	})
}
