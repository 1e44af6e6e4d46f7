// Package vclock implements per-device logical clocks used to establish a
// partial causal ordering between vault mutations without a shared wall clock.
package vclock

import "encoding/json"

// Clock tracks one logical counter per device. The owning device's entry is
// monotonically non-decreasing: it is bumped on every local event and again
// after every merge, so a merge is itself a new causal event.
type Clock struct {
	deviceID string
	entries  map[string]uint64
}

// New returns a clock owned by deviceID with its own entry at zero.
func New(deviceID string) *Clock {
	return &Clock{
		deviceID: deviceID,
		entries:  map[string]uint64{deviceID: 0},
	}
}

// FromState reconstructs a clock from a transmitted snapshot. Entries are
// copied; the caller keeps ownership of state.
func FromState(deviceID string, state map[string]uint64) *Clock {
	clock := New(deviceID)
	for id, value := range state {
		clock.entries[id] = value
	}
	return clock
}

// DeviceID returns the identifier of the owning device.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Increment bumps the owning device's entry. Called for every locally
// originated mutation.
func (c *Clock) Increment() {
	c.entries[c.deviceID]++
}

// Merge folds other into this clock, taking the pairwise maximum of every
// entry, then increments the owning device's entry.
func (c *Clock) Merge(other *Clock) {
	if other != nil {
		for id, theirs := range other.entries {
			if theirs > c.entries[id] {
				c.entries[id] = theirs
			}
		}
	}
	c.Increment()
}

// HappensBefore reports whether every entry of this clock is <= the
// corresponding entry of other with at least one strictly smaller. Missing
// entries count as zero on either side.
func (c *Clock) HappensBefore(other *Clock) bool {
	if other == nil {
		return false
	}

	strictlySmaller := false
	for id, ours := range c.entries {
		theirs := other.entries[id]
		if ours > theirs {
			return false
		}
		if ours < theirs {
			strictlySmaller = true
		}
	}
	for id, theirs := range other.entries {
		if _, seen := c.entries[id]; !seen && theirs > 0 {
			strictlySmaller = true
		}
	}

	return strictlySmaller
}

// Concurrent reports whether neither clock happens before the other.
func (c *Clock) Concurrent(other *Clock) bool {
	return !c.HappensBefore(other) && !other.HappensBefore(c)
}

// Value returns the owning device's own counter.
func (c *Clock) Value() uint64 {
	return c.entries[c.deviceID]
}

// State returns a read-only snapshot of all entries, suitable for
// transmission alongside a delta.
func (c *Clock) State() map[string]uint64 {
	snapshot := make(map[string]uint64, len(c.entries))
	for id, value := range c.entries {
		snapshot[id] = value
	}
	return snapshot
}

// MarshalJSON encodes the entry map only; the owning device id travels
// separately on the wire.
func (c *Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.entries)
}

// UnmarshalJSON decodes an entry map. The owning device id must be restored
// by the caller via FromState when ownership matters.
func (c *Clock) UnmarshalJSON(data []byte) error {
	entries := make(map[string]uint64)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	c.entries = entries
	return nil
}
