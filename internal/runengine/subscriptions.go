package runengine

import (
	"strconv"
	"strings"

	"github.com/haloruntime/halo/internal/models"
)

// subscriptionBinding is one active, non-schedule subscription an activated
// app is listening on; matched against incoming bus events in Dispatch.
type subscriptionBinding struct {
	appID          string
	subscriptionID string
	source         models.SubscriptionSource
	filter         string
}

// matches reports whether ev should trigger the bound app: its Source (or
// Type prefix) must agree with the subscription's source, and, if a filter
// string is set, it must appear in the event's type or payload summary.
func (b subscriptionBinding) matches(ev models.HaloEvent) bool {
	if !strings.HasPrefix(ev.Type, string(b.source)+".") && ev.Source != string(b.source) {
		return false
	}
	if b.filter == "" {
		return true
	}
	if strings.Contains(ev.Type, b.filter) {
		return true
	}
	if path, ok := ev.Payload["path"].(string); ok && strings.Contains(path, b.filter) {
		return true
	}
	if fp, ok := ev.Payload["file_path"].(string); ok && strings.Contains(fp, b.filter) {
		return true
	}
	return false
}

// subscriptionID returns the deterministic identifier for the i-th
// subscription in an app spec, used to correlate scheduler jobs and bus
// bindings back to the subscription that created them.
func subscriptionID(i int) string {
	return strconv.Itoa(i)
}

const scheduleSourceType models.SubscriptionSource = "schedule"
