// Package session keeps track of which live connections are subscribed to
// which room. It holds runtime state only and starts empty on every boot.
package session

import (
	"errors"
	"sync"
)

var (
	ErrBackpressure = errors.New("connection send buffer full")
	ErrClosed       = errors.New("connection closed")
)

// Conn is a live connection that can receive pushed frames.
// Send must not block; it reports ErrBackpressure or ErrClosed instead.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Closed() bool
}

// Directory maps room ids to the set of connections subscribed to them.
type Directory struct {
	mu    sync.RWMutex
	rooms map[uint]map[Conn]struct{}
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[uint]map[Conn]struct{})}
}

// Register adds c to the room, creating the room's set on first use.
func (d *Directory) Register(roomID uint, c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.rooms[roomID]
	if set == nil {
		set = make(map[Conn]struct{})
		d.rooms[roomID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes c from the room and drops the room key once it is empty.
func (d *Directory) Unregister(roomID uint, c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(d.rooms, roomID)
	}
}

// Snapshot copies the room's current connections. The result is safe to use
// after the lock is released.
func (d *Directory) Snapshot(roomID uint) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.rooms[roomID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Online returns the number of connections subscribed to the room.
func (d *Directory) Online(roomID uint) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms[roomID])
}

// Has reports whether the room has a key in the directory at all.
func (d *Directory) Has(roomID uint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok
}

// Rooms returns how many rooms currently have at least one connection.
func (d *Directory) Rooms() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
