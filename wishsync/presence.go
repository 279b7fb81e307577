package wishsync

// ApplyPresenceEvent converts a presence event's full participant-name list
// into the tracked set: everyone currently connected besides the viewer,
// in server order. No diffing; each event fully replaces the previous set.
// A dropped event leaves the set stale until the next one arrives.
func ApplyPresenceEvent(names []string, selfName string) []string {
	connected := make([]string, 0, len(names))
	for _, name := range names {
		if name != selfName {
			connected = append(connected, name)
		}
	}
	return connected
}
