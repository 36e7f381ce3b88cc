package store

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
)

// Observer is notified of every change detected in the tree.
type Observer interface {
	Notify(SyncEvent)
}

// Watch rescans the tree whenever `trigger` fires and reports the difference
// from the previous scan to `observer`. Changes written by peers are reported
// too, which is what forwards them to the rest of the network.
func (s *FileSystem) Watch(ctx context.Context, trigger <-chan struct{}, observer Observer) error {
	prev, err := s.scan()
	if err != nil {
		return errors.WithContext(err, "initial scan")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-trigger:
			if !ok {
				return nil
			}
		}

		curr, err := s.scan()
		if err != nil {
			log.WithError(err).Warn("Failed to scan sync directory")
			continue
		}

		for _, event := range Diff(prev, curr) {
			log.WithField("path", event.PathName).Debugf("Detected %s", event.Kind)
			observer.Notify(event)
		}
		prev = curr
	}
}
