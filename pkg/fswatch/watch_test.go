package fswatch

import (
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
)

func TestGetPathsToWatch(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		root     string
		expPaths []string
		expError error
	}{
		{
			name:  "Nested directories",
			dirs:  []string{"/share/docs", "/share/docs/old", "/share/photos"},
			files: []string{"/share/docs/a.txt", "/share/photos/cat.jpg"},
			root:  "/share",
			expPaths: []string{"/share", "/share/docs", "/share/docs/old",
				"/share/photos"},
		},
		{
			name:     "Empty root",
			dirs:     []string{"/share"},
			root:     "/share",
			expPaths: []string{"/share"},
		},
		{
			name:     "Missing root",
			root:     "/missing",
			expError: errors.FileNotFound{Path: "/missing"},
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		for _, dir := range test.dirs {
			assert.NoError(t, fs.MkdirAll(dir, 0755))
		}
		for _, file := range test.files {
			assert.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
		}

		paths, err := getPathsToWatch(test.root)
		assert.Equal(t, test.expError, err, test.name)

		// Sort for consistency.
		sort.Strings(test.expPaths)
		sort.Strings(paths)
		assert.Equal(t, test.expPaths, paths, test.name)
	}
}

func TestCombineUpdates(t *testing.T) {
	fs = afero.NewMemMapFs()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{Name: "/share/file", Op: fsnotify.Write}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates, func(string) {
		t.Error("no directories were created")
	})

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined
}

func TestCombineUpdatesNewDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/share/new", 0755))
	require.NoError(t, afero.WriteFile(fs, "/share/file", nil, 0644))

	newDirs := make(chan string, 2)
	updates := make(chan fsnotify.Event, 2)
	updates <- fsnotify.Event{Name: "/share/file", Op: fsnotify.Create}
	updates <- fsnotify.Event{Name: "/share/new", Op: fsnotify.Create}
	close(updates)

	combined := combineUpdates(updates, func(dir string) {
		newDirs <- dir
	})
	for range combined {
	}

	close(newDirs)
	var dirs []string
	for dir := range newDirs {
		dirs = append(dirs, dir)
	}
	assert.Equal(t, []string{"/share/new"}, dirs)
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
