package source

// Marker is the per-row sync state stored in the marker column.
type Marker string

const (
	Pending Marker = "S"
	// InFlight marks rows claimed by a batch that is being delivered. Any
	// business write to such a row re-arms it to Pending, so a clear that
	// follows leaves it for the next batch.
	InFlight    Marker = "E"
	Cleared     Marker = "N"
	Quarantined Marker = "Q"
)

// DefaultMarkerColumn is the column added to every tracked table.
const DefaultMarkerColumn = "SYNK_DASH_PEND"

// Write identifies the kind of row write seen by the marker trigger.
type Write int

const (
	Inserted Write = iota
	Updated
)

// Resolve is the marker rule table. Every dialect's trigger implements the
// same rules:
//
//	write     incoming            result
//	-------   -----------------   ----------------------------
//	insert    any                 Pending
//	update    NULL                Pending
//	update    equal to stored     Pending   (writer left it untouched: re-arm)
//	update    differs from stored incoming  (explicit set by the sync engine)
//
// The engine only ever moves Pending to InFlight, and InFlight to Cleared,
// Quarantined or back to Pending. A writer touching an InFlight row hits the
// "equal to stored" rule and puts it back to Pending.
//
// An empty Marker stands for NULL.
func Resolve(w Write, stored, incoming Marker) Marker {
	switch {
	case w == Inserted:
		return Pending
	case incoming == "":
		return Pending
	case incoming == stored:
		return Pending
	default:
		return incoming
	}
}
