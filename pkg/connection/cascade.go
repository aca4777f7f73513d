package connection

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

// HandleStorageLinkChange disconnects a host that has just lost its last connected
// storage link. It reports whether the host status changed.
func (m *Machine) HandleStorageLinkChange(ctx context.Context, ev pubsub.StorageLinkStatusChanged) (bool, error) {
	if ev.New != model.LinkDisconnected || ev.Old == model.LinkDisconnected {
		return false, nil
	}

	links, err := m.store.ListStorageLinks(ctx, ev.HostID)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.Status == model.LinkConnected {
			return false, nil
		}
	}

	changed, err := m.Disconnect(ctx, ev.HostID, CauseStorageLost)
	if errors.Is(err, storage.ErrHostNotFound) {
		return false, nil
	}
	if changed && m.metrics != nil {
		m.metrics.RecordStorageCascade()
	}
	return changed, err
}

// Run consumes storage link events until ctx ends
func (m *Machine) Run(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, pubsub.TopicStorageLinkStatusChanged)
	if err != nil {
		return err
	}
	pubsub.Handle(sub, func(ctx context.Context, ev pubsub.StorageLinkStatusChanged) {
		if _, err := m.HandleStorageLinkChange(ctx, ev); err != nil {
			m.logger.Error("storage cascade failed",
				logging.HostID(ev.HostID),
				logging.String("storage_id", ev.StorageID),
				logging.Error(err))
		}
	})
	return nil
}
