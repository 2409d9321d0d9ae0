// Package fanout tracks which viewers have been told about which
// producers, so a producer that appears before a viewer is ready (or a
// viewer that is ready before any producer exists) is not missed either
// way.
package fanout

import "sync"

// Notifier is implemented by the signaling layer: Notify is called once
// per (viewerPeerID, producerID) pair, at most once each.
type Notifier interface {
	Notify(viewerPeerID, roomID, producerID string, kind string)
}

type producerInfo struct {
	roomID string
	kind   string
}

// Tracker deduplicates notifications per room. One Tracker is shared by
// the whole server; rooms never interact with each other.
type Tracker struct {
	mu sync.Mutex

	producers map[string]producerInfo    // producerID -> info
	viewers   map[string]map[string]bool // roomID -> set of ready viewer peerIDs
	notified  map[string]bool            // "viewerID|producerID" -> true

	notifier Notifier
}

func NewTracker(notifier Notifier) *Tracker {
	return &Tracker{
		producers: make(map[string]producerInfo),
		viewers:   make(map[string]map[string]bool),
		notified:  make(map[string]bool),
		notifier:  notifier,
	}
}

func key(viewerID, producerID string) string { return viewerID + "|" + producerID }

// OnNewProducer records a producer and notifies every viewer in its room
// already marked ready.
func (t *Tracker) OnNewProducer(roomID, producerID, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.producers[producerID] = producerInfo{roomID: roomID, kind: kind}

	for viewerID := range t.viewers[roomID] {
		t.notifyLocked(viewerID, roomID, producerID, kind)
	}
}

// OnNewViewerReady records a viewer as ready to receive new_producer
// notifications and immediately notifies it of every producer already
// live in its room.
func (t *Tracker) OnNewViewerReady(roomID, viewerPeerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.viewers[roomID] == nil {
		t.viewers[roomID] = make(map[string]bool)
	}
	t.viewers[roomID][viewerPeerID] = true

	for producerID, info := range t.producers {
		if info.roomID == roomID {
			t.notifyLocked(viewerPeerID, roomID, producerID, info.kind)
		}
	}
}

func (t *Tracker) notifyLocked(viewerID, roomID, producerID, kind string) {
	k := key(viewerID, producerID)
	if t.notified[k] {
		return
	}
	t.notified[k] = true
	t.notifier.Notify(viewerID, roomID, producerID, kind)
}

// RemoveProducer forgets a producer so churn doesn't grow the maps
// unboundedly across a long-lived room.
func (t *Tracker) RemoveProducer(producerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, producerID)
	for k := range t.notified {
		if len(k) > len(producerID) && k[len(k)-len(producerID):] == producerID {
			delete(t.notified, k)
		}
	}
}

// RemoveViewer forgets a departed viewer.
func (t *Tracker) RemoveViewer(roomID, viewerPeerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewers[roomID], viewerPeerID)
	if len(t.viewers[roomID]) == 0 {
		delete(t.viewers, roomID)
	}
}

// RemoveRoom forgets every producer and viewer belonging to roomID. The
// signaling layer does not call it; it clears per-producer and per-viewer
// state through RemoveProducer and RemoveViewer as sessions tear down.
func (t *Tracker) RemoveRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewers, roomID)
	for id, info := range t.producers {
		if info.roomID == roomID {
			delete(t.producers, id)
		}
	}
}
