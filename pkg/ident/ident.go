package ident

import (
	"fmt"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// InstanceID returns a stable identifier for this aggregator instance, used
// as the envelope source on every message it publishes. The id is derived
// from the machine so restarts keep the same identity; when the platform
// cannot provide one, a random id is generated for the process lifetime.
func InstanceID() string {
	id, err := machineid.ProtectedID("trading-aggregator")
	if err != nil || id == "" {
		return fmt.Sprintf("aggregator-%s", uuid.NewString()[:8])
	}
	// Keep the fingerprint short; the bus does not need the full hash.
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("aggregator-%s", id)
}
