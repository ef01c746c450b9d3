package phone

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// connSeq numbers connections in creation order.
var connSeq atomic.Uint64

// Connection is one party of a Call.
type Connection struct {
	mu sync.RWMutex

	id       string
	seq      uint64
	address  string
	postDial string
	incoming bool
	video    bool

	createdAt      time.Time
	connectedAt    time.Time
	disconnectedAt time.Time
	cause          DisconnectCause

	call *Call
}

// NewConnection creates a connection for the given dial string. Anything
// after the first ',' or ';' is kept as the post-dial string.
func NewConnection(dialString string, incoming bool) *Connection {
	address, postDial := SplitPostDial(dialString)
	return &Connection{
		id:        uuid.New().String(),
		seq:       connSeq.Add(1),
		address:   address,
		postDial:  postDial,
		incoming:  incoming,
		createdAt: time.Now(),
	}
}

// SplitPostDial separates the dialable address from the post-dial digits.
func SplitPostDial(dialString string) (address, postDial string) {
	if i := strings.IndexAny(dialString, ",;"); i >= 0 {
		return dialString[:i], dialString[i:]
	}
	return dialString, ""
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Seq orders connections by creation. Later connections have larger
// values.
func (c *Connection) Seq() uint64 { return c.seq }

// Address returns the remote party address.
func (c *Connection) Address() string { return c.address }

// PostDial returns the remaining post-dial string.
func (c *Connection) PostDial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.postDial
}

// SetPostDial replaces the remaining post-dial string.
func (c *Connection) SetPostDial(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postDial = s
}

// IsIncoming reports whether the remote party originated the call.
func (c *Connection) IsIncoming() bool { return c.incoming }

// IsVideo reports whether the connection carries video.
func (c *Connection) IsVideo() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.video
}

// SetVideo marks the connection as a video connection.
func (c *Connection) SetVideo(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = v
}

// CreatedAt returns the creation time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// ConnectedAt returns when the connection became active, or zero.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// DisconnectedAt returns when the connection ended, or zero.
func (c *Connection) DisconnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnectedAt
}

// Cause returns the disconnect cause.
func (c *Connection) Cause() DisconnectCause {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Call returns the owning call.
func (c *Connection) Call() *Call {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.call
}

// IsAlive reports whether the connection is still part of a live call.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	call, ended := c.call, !c.disconnectedAt.IsZero()
	c.mu.RUnlock()
	if ended || call == nil {
		return false
	}
	return call.State().IsAlive()
}

// MarkConnected records the connect time once.
func (c *Connection) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
}

// MarkDisconnected records the end of the connection once.
func (c *Connection) MarkDisconnected(cause DisconnectCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectedAt.IsZero() {
		c.disconnectedAt = time.Now()
		c.cause = cause
	}
}

func (c *Connection) setCall(call *Call) {
	c.mu.Lock()
	c.call = call
	c.mu.Unlock()
}

// Call is an aggregate of connections sharing one state in one slot of a
// line. Line drivers own their calls and are the only writers.
type Call struct {
	mu sync.RWMutex

	lineID string
	slot   Slot
	state  CallState
	conns  []*Connection
}

// NewCall creates an idle call for a line slot.
func NewCall(lineID string, slot Slot) *Call {
	return &Call{lineID: lineID, slot: slot, state: CallIdle}
}

// LineID returns the identity of the owning line.
func (c *Call) LineID() string { return c.lineID }

// Slot returns the slot the call currently occupies.
func (c *Call) Slot() Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

// State returns the call state.
func (c *Call) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsIdle is true only in state IDLE. Disconnected calls are not idle.
func (c *Call) IsIdle() bool {
	return c.State() == CallIdle
}

// IsAlive reports whether the call occupies the line.
func (c *Call) IsAlive() bool {
	return c.State().IsAlive()
}

// IsRinging reports whether the call is INCOMING or WAITING.
func (c *Call) IsRinging() bool {
	return c.State().IsRinging()
}

// Connections returns a copy of the connection list.
func (c *Call) Connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Connection, len(c.conns))
	copy(out, c.conns)
	return out
}

// Len returns the number of connections.
func (c *Call) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// IsMultiparty reports whether the call is a conference.
func (c *Call) IsMultiparty() bool {
	return c.Len() > 1
}

// Earliest returns the oldest connection, or nil.
func (c *Call) Earliest() *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var earliest *Connection
	for _, conn := range c.conns {
		if earliest == nil || conn.createdAt.Before(earliest.createdAt) {
			earliest = conn
		}
	}
	return earliest
}

// HasConnection reports whether conn belongs to the call.
func (c *Call) HasConnection(conn *Connection) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, x := range c.conns {
		if x == conn {
			return true
		}
	}
	return false
}

// IsVideo reports whether any connection carries video.
func (c *Call) IsVideo() bool {
	for _, conn := range c.Connections() {
		if conn.IsVideo() {
			return true
		}
	}
	return false
}

// SetState changes the call state.
func (c *Call) SetState(s CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetSlot moves the call to another slot of its line.
func (c *Call) SetSlot(s Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = s
}

// Attach adds a connection and sets the call state.
func (c *Call) Attach(conn *Connection, s CallState) {
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.state = s
	c.mu.Unlock()
	conn.setCall(c)
}

// Detach removes a connection. The call goes idle when it was the last one.
func (c *Call) Detach(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.conns {
		if x == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
	if len(c.conns) == 0 {
		c.state = CallIdle
	}
}

// TakeFrom moves every connection of other into c and leaves other idle.
func (c *Call) TakeFrom(other *Call, s CallState) {
	moved := other.Connections()
	other.Clear()
	c.mu.Lock()
	c.conns = append(c.conns, moved...)
	c.state = s
	c.mu.Unlock()
	for _, conn := range moved {
		conn.setCall(c)
	}
}

// Disconnect marks every connection ended and the call DISCONNECTED.
// It returns the connections that were alive before.
func (c *Call) Disconnect(cause DisconnectCause) []*Connection {
	c.mu.Lock()
	if !c.state.IsAlive() && c.state != CallDisconnecting {
		c.mu.Unlock()
		return nil
	}
	conns := make([]*Connection, len(c.conns))
	copy(conns, c.conns)
	c.state = CallDisconnected
	c.mu.Unlock()
	for _, conn := range conns {
		conn.MarkDisconnected(cause)
	}
	return conns
}

// Clear drops all connections and returns the call to IDLE.
func (c *Call) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = nil
	c.state = CallIdle
}
