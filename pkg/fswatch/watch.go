package fswatch

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

var fs = afero.NewOsFs()

// Watch watches every directory under `root`. It sends an event on the
// returned channel whenever something within the tree changes. Directories
// created after the call are watched as well. The watch stops when `ctx` is
// cancelled.
func Watch(ctx context.Context, root string) (chan struct{}, error) {
	pathsToWatch, err := getPathsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go func() {
		<-ctx.Done()
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	go func() {
		for err := range watcher.Errors {
			log.WithError(err).Warn("File watcher error")
		}
	}()

	return combineUpdates(watcher.Events, func(dir string) {
		addTree(watcher, dir)
	}), nil
}

// combineUpdates collapses bursts of events into a single trigger. `onNewDir`
// is called for every directory that's created.
func combineUpdates(updates <-chan fsnotify.Event, onNewDir func(string)) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			if event.Op&fsnotify.Create != 0 {
				if fi, err := fs.Stat(event.Name); err == nil && fi.IsDir() {
					onNewDir(event.Name)
				}
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func addTree(watcher *fsnotify.Watcher, dir string) {
	paths, err := getPathsToWatch(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("Failed to list new directory")
		return
	}

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			log.WithError(err).WithField("dir", path).Warn(
				"Failed to watch directory. Changes inside it will be picked up " +
					"by the periodic sync instead.")
		}
	}
}

// getPathsToWatch returns `root` and all directories beneath it. fsnotify
// doesn't watch recursively, but a watched directory reports changes to the
// files directly inside it.
func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%q is not a directory", root)
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
