package memory

import (
	"testing"

	"github.com/louisbranch/evented/internal/services/evented/storage"
	"github.com/louisbranch/evented/internal/services/evented/storage/storagetest"
)

func TestEventStore(t *testing.T) {
	storagetest.EventStore(t, func(*testing.T) storage.EventStore { return NewEventStore() })
}

func TestSnapshotStore(t *testing.T) {
	storagetest.SnapshotStore(t, func(*testing.T) storage.SnapshotStore { return NewSnapshotStore() })
}

func TestPositionStore(t *testing.T) {
	storagetest.PositionStore(t, func(*testing.T) storage.PositionStore { return NewPositionStore() })
}
