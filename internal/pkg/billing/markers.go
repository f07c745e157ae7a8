package billing

import (
	"fmt"
	"time"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/cache"
)

const markerTTL = 24 * time.Hour

// redisMarkerStore keeps short-lived processed-event markers in the cache so
// hot replays skip the database round trip. Failures degrade to the durable
// dedup row.
type redisMarkerStore struct{}

// NewRedisMarkerStore returns a MarkerStore backed by the shared cache.
func NewRedisMarkerStore() MarkerStore {
	return redisMarkerStore{}
}

func markerKey(provider, eventID string) string {
	return fmt.Sprintf("billing:webhook:%s:%s", provider, eventID)
}

func (redisMarkerStore) Seen(provider, eventID string) bool {
	val, err := cache.Get(markerKey(provider, eventID))
	return err == nil && val != ""
}

func (redisMarkerStore) Remember(provider, eventID string) {
	_ = cache.Set(markerKey(provider, eventID), "1", markerTTL)
}
