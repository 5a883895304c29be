package ble

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

// Link is an asynchronous handle on a connected peripheral. Methods must be
// called on the loop; completions are delivered on the loop. Once the link
// is closed, in-flight completions are dropped. Operations issued after the
// peripheral dropped the link fail with ErrLinkClosed; after a local
// Disconnect they are ignored.
type Link interface {
	Device() Device
	// DiscoverService finds the service with the given uuid.
	DiscoverService(uuid string, done func(Service, error))
	// DiscoverCharacteristics lists the characteristics of svc matching
	// uuids, or all of them when uuids is empty.
	DiscoverCharacteristics(svc Service, uuids []string, done func([]Characteristic, error))
	// Write performs an acknowledged write and reports its completion.
	Write(ch Characteristic, data []byte, done func(error))
	// WriteWithoutResponse performs an unacknowledged write. There is no
	// completion; failures are only logged.
	WriteWithoutResponse(ch Characteristic, data []byte)
	// Read reads the characteristic value.
	Read(ch Characteristic, done func([]byte, error))
	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect()
}

// linkQueueSize bounds outstanding operations per link. Unacknowledged
// writes beyond it are dropped.
const linkQueueSize = 16

// gattLink runs the blocking GATT calls of one connection on a dedicated
// worker goroutine, in submission order.
type gattLink struct {
	loop   *dispatch.Loop
	conn   Connection
	dev    Device
	ops    chan func()
	closed bool
	local  bool // closed by Disconnect
}

func newGATTLink(loop *dispatch.Loop, conn Connection, dev Device, onDisconnect func()) *gattLink {
	l := &gattLink{
		loop: loop,
		conn: conn,
		dev:  dev,
		ops:  make(chan func(), linkQueueSize),
	}
	go func() {
		for op := range l.ops {
			op()
		}
	}()
	conn.OnDisconnect(func() {
		loop.Post(func() {
			if l.closed {
				return
			}
			slog.Warn("[BLE] peripheral disconnected", "address", dev.Address)
			l.shutdown()
			if onDisconnect != nil {
				onDisconnect()
			}
		})
	})
	return l
}

func (l *gattLink) Device() Device { return l.dev }

// submit queues work for the worker; complete runs on the loop unless the
// link was closed in the meantime.
func (l *gattLink) submit(work func() func()) bool {
	if l.closed {
		return false
	}
	op := func() {
		complete := work()
		l.loop.Post(func() {
			if !l.closed {
				complete()
			}
		})
	}
	select {
	case l.ops <- op:
		return true
	default:
		return false
	}
}

func (l *gattLink) DiscoverService(uuid string, done func(Service, error)) {
	ok := l.submit(func() func() {
		svcs, err := l.conn.DiscoverServices([]string{uuid})
		return func() {
			if err != nil {
				done(nil, fmt.Errorf("ble: discover services: %w", err))
				return
			}
			for _, s := range svcs {
				if strings.EqualFold(s.UUID(), uuid) {
					done(s, nil)
					return
				}
			}
			done(nil, fmt.Errorf("ble: service %s not found", uuid))
		}
	})
	if !ok {
		l.rejected(func() { done(nil, ErrLinkClosed) })
	}
}

func (l *gattLink) DiscoverCharacteristics(svc Service, uuids []string, done func([]Characteristic, error)) {
	ok := l.submit(func() func() {
		chars, err := svc.DiscoverCharacteristics(uuids)
		return func() {
			if err != nil {
				done(nil, fmt.Errorf("ble: discover characteristics: %w", err))
				return
			}
			done(chars, nil)
		}
	})
	if !ok {
		l.rejected(func() { done(nil, ErrLinkClosed) })
	}
}

func (l *gattLink) Write(ch Characteristic, data []byte, done func(error)) {
	buf := append([]byte(nil), data...)
	ok := l.submit(func() func() {
		err := ch.Write(buf)
		return func() {
			if err != nil {
				done(fmt.Errorf("ble: write %s: %w", ch.UUID(), err))
				return
			}
			done(nil)
		}
	})
	if !ok {
		l.rejected(func() { done(ErrLinkClosed) })
	}
}

func (l *gattLink) WriteWithoutResponse(ch Characteristic, data []byte) {
	buf := append([]byte(nil), data...)
	ok := l.submit(func() func() {
		if err := ch.WriteWithoutResponse(buf); err != nil {
			slog.Warn("[BLE] write without response failed", "char", ch.UUID(), "error", err)
		}
		return func() {}
	})
	if !ok {
		slog.Warn("[BLE] write without response dropped", "char", ch.UUID(), "closed", l.closed)
	}
}

func (l *gattLink) Read(ch Characteristic, done func([]byte, error)) {
	ok := l.submit(func() func() {
		data, err := ch.Read()
		return func() {
			if err != nil {
				done(nil, fmt.Errorf("ble: read %s: %w", ch.UUID(), err))
				return
			}
			done(data, nil)
		}
	})
	if !ok {
		l.rejected(func() { done(nil, ErrLinkClosed) })
	}
}

// rejected reports a refused operation asynchronously, like any other
// completion, unless the caller already disconnected.
func (l *gattLink) rejected(report func()) {
	if l.local {
		return
	}
	l.loop.Post(func() {
		if !l.local {
			report()
		}
	})
}

func (l *gattLink) Disconnect() {
	if l.local {
		return
	}
	l.local = true
	if !l.closed {
		l.shutdown()
	}
	conn := l.conn
	go func() {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "error", err)
		}
	}()
}

func (l *gattLink) shutdown() {
	l.closed = true
	close(l.ops)
}
