// Package domain holds the small set of enums shared across the registry,
// the media worker pool, and the signaling layer, so none of those
// packages need to import one another just to agree on what a "role" or a
// "track kind" is.
package domain

// Role distinguishes the one host from the many viewers in a room. Closed
// to these two variants rather than an open string so a bad role value is
// a compile error or a single validation check, never a silent typo.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool { return r == RoleHost || r == RoleViewer }

// TrackKind is the media type of a producer/consumer.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

func (k TrackKind) Valid() bool { return k == KindAudio || k == KindVideo }

// Direction is which way a transport carries media.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }
