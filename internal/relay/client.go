package relay

import (
	"context"
	"encoding/json"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/larder/internal/relay/wire"
)

const (
	sendBufferSize = 32
	pingInterval   = 30 * time.Second
)

// client represents a single device connection bound to a room.
type client struct {
	room *room
	conn *ws.Conn
	send chan []byte
}

func newClient(room *room, conn *ws.Conn) *client {
	return &client{
		room: room,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *client) run(ctx context.Context) {
	c.room.register(c)
	defer c.room.unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump reads frames and dispatches them until the connection drops.
func (c *client) readPump(ctx context.Context) {
	for {
		var f wire.Frame
		if err := readFrame(ctx, c.conn, &f); err != nil {
			return
		}
		c.handle(f)
	}
}

func (c *client) handle(f wire.Frame) {
	switch f.Type {
	case wire.TypeEvent:
		c.room.applyEvent(f)

	case wire.TypeSnapshotGet:
		snap := c.room.snapshot()
		c.reply(wire.Frame{
			Type:         wire.TypeSnapshot,
			Transactions: snap.Transactions,
			Pantry:       snap.Pantry,
		})

	case wire.TypeSnapshotPut:
		c.room.setSnapshot(f.Transactions, f.Pantry)
		c.reply(wire.Frame{Type: wire.TypeOK})

	case wire.TypePresenceRegister:
		if f.Device != nil {
			c.room.setMember(*f.Device)
		}
		c.reply(wire.Frame{Type: wire.TypeOK})

	case wire.TypeHeartbeat:
		c.room.heartbeat(f.DeviceID)

	case wire.TypePresenceRemove:
		c.room.removeMember(f.DeviceID)

	case wire.TypeMembersGet:
		c.reply(wire.Frame{Type: wire.TypeMembers, Members: c.room.memberList()})

	default:
		c.reply(wire.Frame{Type: wire.TypeError, ErrCode: wire.ErrCodeBadFrame, ErrMsg: "unknown frame type " + f.Type})
	}
}

// reply enqueues a frame for this client. Replies and broadcasts share the
// write pump, so frame order on the wire follows enqueue order.
func (c *client) reply(f wire.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.room.logger.Error("marshal reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full — drop message to avoid blocking
	}
}

// writePump drains the send channel and writes frames to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Room closed the channel — connection is done
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func readFrame(ctx context.Context, conn *ws.Conn, f *wire.Frame) error {
	return wsjson.Read(ctx, conn, f)
}

func writeFrame(ctx context.Context, conn *ws.Conn, f wire.Frame) error {
	return wsjson.Write(ctx, conn, f)
}
