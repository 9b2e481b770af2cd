// Package locksim is a software lock: a ble.Adapter whose single peripheral
// speaks the lock side of the handshake. The CLI's --simulate mode and the
// handshake and orchestrator tests run against it.
package locksim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blelock/internal/ble"
	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
	"github.com/chaz8081/blelock/internal/ble/protocol"
)

// Error codes the simulated lock puts in ERROR frames.
const (
	CodeAuth     uint8 = 0x01
	CodeKeyGroup uint8 = 0x02
	CodeNonce    uint8 = 0x03
	CodeState    uint8 = 0x04
)

// Options describes the simulated lock and how it misbehaves.
type Options struct {
	MAC             string
	ProtocolVersion uint8
	KeyGroupID      uint32
	AESKey          []byte
	AuthCode        []byte
	Name            string
	RSSI            int
	MTU             int

	// MaxOpen caps the open duration the lock will arm; zero means no cap.
	MaxOpen time.Duration
	// StayOpen keeps advertising "open" after the window, as a jammed bolt would.
	StayOpen bool

	NotAdvertising  bool  // never shows up in scans
	ConnectErr      error // every Connect fails with this
	HangConnects    int   // the first N Connect calls block until the caller gives up
	Silent          bool  // accepts writes, never answers
	DropOnChallenge bool  // ends the connection instead of answering CHALLENGE
	BadEcho         bool  // corrupts the nonce echo in CHALLENGE_ACK
	RejectCode      uint8 // answers commands with ERROR(code) when non-zero
	AckStatus       uint8 // status byte put in the command acknowledgment
}

// Lock is a simulated lock. It implements ble.Adapter.
type Lock struct {
	opts Options
	mac  ble.MAC
	km   *blecrypto.KeyMaterial
	log  *slog.Logger

	mu          sync.Mutex
	scans       int
	connects    int
	disconnects int
	live        int
	commands    []protocol.Command
	openUntil   time.Time
	opened      bool
}

// New creates a simulated lock. A nil logger uses slog.Default.
func New(opts Options, log *slog.Logger) (*Lock, error) {
	mac, err := ble.ParseMAC(opts.MAC)
	if err != nil {
		return nil, err
	}
	if _, err := protocol.LayoutFor(opts.ProtocolVersion); err != nil {
		return nil, fmt.Errorf("locksim: %w", err)
	}
	km, err := blecrypto.NewKeyMaterial(opts.AESKey, opts.AuthCode)
	if err != nil {
		return nil, fmt.Errorf("locksim: %w", err)
	}
	if opts.Name == "" {
		opts.Name = "SimLock"
	}
	if opts.RSSI == 0 {
		opts.RSSI = -55
	}
	if opts.MTU <= 0 {
		opts.MTU = protocol.DefaultMTU
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lock{opts: opts, mac: mac, km: km, log: log}, nil
}

// Scans returns how many scans have been started.
func (l *Lock) Scans() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scans
}

// Connects returns how many connections have been attempted.
func (l *Lock) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

// Disconnects returns how many times the phone closed a connection.
func (l *Lock) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// OpenConnections returns how many connections neither side has closed yet.
func (l *Lock) OpenConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Commands returns every authenticated command the lock carried out.
func (l *Lock) Commands() []protocol.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Command(nil), l.commands...)
}

// IsOpen reports whether the bolt is currently retracted.
func (l *Lock) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpenLocked()
}

func (l *Lock) isOpenLocked() bool {
	if l.opts.StayOpen && l.opened {
		return true
	}
	return time.Now().Before(l.openUntil)
}

func (l *Lock) Enable() error { return nil }

func (l *Lock) Scan(ctx context.Context, onFound func(ble.Device) bool) error {
	l.mu.Lock()
	l.scans++
	dev := ble.Device{
		Name:        l.opts.Name,
		MAC:         l.mac.String(),
		RSSI:        l.opts.RSSI,
		LockService: true,
	}
	if l.isOpenLocked() {
		dev.ManufacturerData = []byte{0x01}
	} else {
		dev.ManufacturerData = []byte{0x00}
	}
	l.mu.Unlock()

	if !l.opts.NotAdvertising && !onFound(dev) {
		return nil
	}
	<-ctx.Done()
	return nil
}

func (l *Lock) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	l.mu.Lock()
	l.connects++
	hang := l.connects <= l.opts.HangConnects
	l.mu.Unlock()

	if m, err := ble.ParseMAC(mac); err != nil || m != l.mac {
		return nil, fmt.Errorf("locksim: no device %s", mac)
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if l.opts.ConnectErr != nil {
		return nil, l.opts.ConnectErr
	}
	c := &conn{lock: l}
	c.write = &writeChar{conn: c}
	c.notify = &notifyChar{}
	l.mu.Lock()
	l.live++
	l.mu.Unlock()
	return c, nil
}

var _ ble.Adapter = (*Lock)(nil)

// conn is one GATT connection and the lock-side handshake state for it.
type conn struct {
	lock   *Lock
	write  *writeChar
	notify *notifyChar

	mu        sync.Mutex
	asm       protocol.Reassembler
	boot      *blecrypto.Cipher
	session   *blecrypto.Cipher
	lockNonce [protocol.NonceSize]byte
	closed    bool
	dropping  bool
	onDrop    func()
}

func (c *conn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("locksim: service %s not found", serviceUUID)
	}
	switch charUUID {
	case ble.WriteCharUUID:
		return c.write, nil
	case ble.NotifyCharUUID:
		return c.notify, nil
	}
	return nil, fmt.Errorf("locksim: characteristic %s not found", charUUID)
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	wasOpen := !c.closed
	c.closed = true
	if c.boot != nil {
		c.boot.Close()
	}
	if c.session != nil {
		c.session.Close()
	}
	c.mu.Unlock()

	l := c.lock
	l.mu.Lock()
	l.disconnects++
	if wasOpen {
		l.live--
	}
	l.mu.Unlock()
	return nil
}

func (c *conn) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.onDrop = cb
	c.mu.Unlock()
}

// Drop simulates the lock ending the connection.
func (c *conn) Drop() {
	c.mu.Lock()
	cb := c.onDrop
	wasOpen := !c.closed
	c.closed = true
	c.mu.Unlock()
	if wasOpen {
		c.lock.mu.Lock()
		c.lock.live--
		c.lock.mu.Unlock()
	}
	if cb != nil {
		cb()
	}
}

var errClosed = errors.New("locksim: connection closed")

// receive handles one ATT write from the phone.
func (c *conn) receive(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	frames, err := c.asm.Feed(chunk)
	if err != nil {
		c.mu.Unlock()
		return nil
	}
	var replies [][]byte
	for _, raw := range frames {
		if reply := c.handle(raw); reply != nil {
			replies = append(replies, reply)
		}
	}
	dropping := c.dropping
	c.mu.Unlock()

	if dropping {
		c.Drop()
		return nil
	}
	if c.lock.opts.Silent {
		return nil
	}
	for _, reply := range replies {
		for _, part := range protocol.ChunkFrame(reply, c.lock.opts.MTU) {
			c.notify.send(part)
		}
	}
	return nil
}

// handle processes one whole frame and returns the wire reply, if any.
// Caller holds c.mu.
func (c *conn) handle(raw []byte) []byte {
	l := c.lock
	version := l.opts.ProtocolVersion

	hdr, err := protocol.Decode(raw)
	if err != nil {
		return nil
	}
	switch hdr.Opcode {
	case protocol.OpChallenge:
		if l.opts.DropOnChallenge {
			c.dropping = true
			return nil
		}
		if c.boot == nil {
			c.boot, err = responderCipher(l.km, nil, version)
			if err != nil {
				return nil
			}
		}
		f, err := c.boot.Open(raw)
		if err != nil {
			l.log.Debug("[SIM] Challenge did not verify", "error", err)
			return plainError(version, CodeAuth)
		}
		ch, err := protocol.ParseChallenge(f.Payload)
		if err != nil {
			return plainError(version, CodeAuth)
		}
		if c.session != nil {
			c.session.Close()
		}
		c.session, err = responderCipher(l.km, ch.Nonce[:], version)
		if err != nil {
			return nil
		}
		lockNonce, err := blecrypto.NewNonce()
		if err != nil {
			return nil
		}
		c.lockNonce = lockNonce
		ack := protocol.ChallengeAck{Echo: ch.Nonce, LockNonce: lockNonce}
		if l.opts.BadEcho {
			ack.Echo[0] ^= 0xFF
		}
		return c.seal(protocol.OpChallengeAck, ack.Marshal())

	case protocol.OpUnlockCmd, protocol.OpLockCmd:
		if c.session == nil {
			return plainError(version, CodeState)
		}
		f, err := c.session.Open(raw)
		if err != nil {
			return c.sealError(CodeAuth)
		}
		cmd, err := protocol.ParseCommand(f.Payload, version)
		if err != nil {
			return c.sealError(CodeState)
		}
		if cmd.KeyGroupID != l.opts.KeyGroupID {
			return c.sealError(CodeKeyGroup)
		}
		if cmd.LockNonce != c.lockNonce {
			return c.sealError(CodeNonce)
		}
		if l.opts.RejectCode != 0 {
			return c.sealError(l.opts.RejectCode)
		}
		return c.actuate(f.Opcode, cmd)
	}
	return nil
}

func (c *conn) actuate(op protocol.Opcode, cmd protocol.Command) []byte {
	l := c.lock
	ack := protocol.Ack{Status: l.opts.AckStatus}
	ackOp := protocol.OpLockAck

	l.mu.Lock()
	if ack.Status == protocol.StatusOK {
		l.commands = append(l.commands, cmd)
	}
	if op == protocol.OpUnlockCmd {
		ackOp = protocol.OpUnlockAck
		open := time.Duration(cmd.OpenSeconds) * time.Second
		if l.opts.MaxOpen > 0 && open > l.opts.MaxOpen {
			open = l.opts.MaxOpen
		}
		ack.OpenSeconds = uint16(open / time.Second)
		if ack.Status == protocol.StatusOK {
			l.openUntil = time.Now().Add(open)
			l.opened = true
		}
	} else if ack.Status == protocol.StatusOK {
		l.openUntil = time.Time{}
		l.opened = false
	}
	l.mu.Unlock()

	payload, err := ack.Marshal(l.opts.ProtocolVersion)
	if err != nil {
		return nil
	}
	l.log.Info("[SIM] Command accepted", "op", op, "open_seconds", ack.OpenSeconds)
	return c.seal(ackOp, payload)
}

func (c *conn) seal(op protocol.Opcode, payload []byte) []byte {
	f, err := protocol.Encode(op, payload, c.lock.opts.ProtocolVersion)
	if err != nil {
		return nil
	}
	wire, err := c.session.Seal(f)
	if err != nil {
		return nil
	}
	return wire
}

func (c *conn) sealError(code uint8) []byte {
	return c.seal(protocol.OpError, protocol.ErrorReport{Code: code}.Marshal())
}

// plainError is the reply when the lock cannot derive a shared key: an
// unsealed ERROR frame the phone will refuse to authenticate.
func plainError(version uint8, code uint8) []byte {
	f, err := protocol.Encode(protocol.OpError, protocol.ErrorReport{Code: code}.Marshal(), version)
	if err != nil {
		return nil
	}
	wire, err := f.Marshal()
	if err != nil {
		return nil
	}
	return wire
}

func responderCipher(km *blecrypto.KeyMaterial, nonce []byte, version uint8) (*blecrypto.Cipher, error) {
	key, err := blecrypto.DeriveSessionKey(km, nonce)
	if err != nil {
		return nil, err
	}
	defer key.Zeroize()
	return blecrypto.NewCipher(key, version, blecrypto.Responder)
}

type writeChar struct {
	conn *conn
}

func (w *writeChar) Write(data []byte) error { return w.conn.receive(data) }

func (w *writeChar) Subscribe(func([]byte)) error {
	return errors.New("locksim: write characteristic does not notify")
}

func (w *writeChar) Unsubscribe() error { return nil }

type notifyChar struct {
	mu sync.Mutex
	cb func([]byte)
}

func (n *notifyChar) Write([]byte) error {
	return errors.New("locksim: notify characteristic is read-only")
}

func (n *notifyChar) Subscribe(cb func([]byte)) error {
	n.mu.Lock()
	n.cb = cb
	n.mu.Unlock()
	return nil
}

func (n *notifyChar) Unsubscribe() error {
	n.mu.Lock()
	n.cb = nil
	n.mu.Unlock()
	return nil
}

func (n *notifyChar) send(data []byte) {
	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}
