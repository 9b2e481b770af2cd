package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blelock/internal/ble/protocol"
)

var (
	ErrNotFound          = errors.New("ble: lock not found")
	ErrTimeout           = errors.New("ble: timed out")
	ErrConnect           = errors.New("ble: connect failed")
	ErrIO                = errors.New("ble: i/o error")
	ErrDisconnected      = errors.New("ble: link disconnected")
	ErrAlreadySubscribed = errors.New("ble: notifications already subscribed")
	ErrScanBusy          = errors.New("ble: scan already in progress")
)

// Options configures the transport.
type Options struct {
	ServiceUUID     string
	WriteCharUUID   string
	NotifyCharUUID  string
	MTU             int           // max bytes per ATT write
	InterChunkDelay time.Duration // pause between chunks of one frame
	QueueSize       int           // notification chunks buffered per link
}

// DefaultOptions returns the lock firmware defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     ServiceUUID,
		WriteCharUUID:   WriteCharUUID,
		NotifyCharUUID:  NotifyCharUUID,
		MTU:             protocol.DefaultMTU,
		InterChunkDelay: 20 * time.Millisecond,
		QueueSize:       32,
	}
}

// Transport owns the radio: it serializes scans and hands out Links.
type Transport struct {
	adapter Adapter
	opts    Options
	log     *slog.Logger

	// scanSem admits one scan at a time.
	scanSem chan struct{}

	enableOnce sync.Once
	enableErr  error
}

// NewTransport creates a transport over adapter. Zero option fields take
// their DefaultOptions value; a nil logger uses slog.Default.
func NewTransport(adapter Adapter, opts Options, log *slog.Logger) *Transport {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.NotifyCharUUID == "" {
		opts.NotifyCharUUID = def.NotifyCharUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		adapter: adapter,
		opts:    opts,
		log:     log,
		scanSem: make(chan struct{}, 1),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
		}
	})
	return t.enableErr
}

// DeviceHandle is a lock found by Discover, ready to connect.
type DeviceHandle struct {
	MAC    MAC
	Device Device
}

// Discover scans until the lock with the given address advertises or
// scanTimeout elapses (ErrNotFound). Other advertisements are ignored. It
// waits for any scan already in progress.
func (t *Transport) Discover(ctx context.Context, mac MAC, scanTimeout time.Duration) (*DeviceHandle, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	select {
	case t.scanSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxErr(ctx, "discover "+mac.String())
	}
	defer func() { <-t.scanSem }()

	dev, err := t.scanFor(ctx, mac, scanTimeout)
	if err != nil {
		return nil, err
	}
	return &DeviceHandle{MAC: mac, Device: dev}, nil
}

// Observe is a best-effort single scan for mac used after an unlock to check
// the lock's advertised state. It never waits for another scan: if one is in
// progress it returns ErrScanBusy immediately.
func (t *Transport) Observe(ctx context.Context, mac MAC, timeout time.Duration) (Device, error) {
	if err := t.enable(); err != nil {
		return Device{}, err
	}
	select {
	case t.scanSem <- struct{}{}:
	default:
		return Device{}, ErrScanBusy
	}
	defer func() { <-t.scanSem }()

	return t.scanFor(ctx, mac, timeout)
}

func (t *Transport) scanFor(ctx context.Context, mac MAC, timeout time.Duration) (Device, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found *Device
	)
	err := boundedScan(sctx, t.adapter, func(d Device) bool {
		m, err := ParseMAC(d.MAC)
		if err != nil || m != mac {
			return true
		}
		mu.Lock()
		found = &d
		mu.Unlock()
		return false
	})

	if errors.Is(err, errScanAbandoned) {
		t.log.Warn("[BLE] Adapter ignored scan cancellation", "lock", mac)
	}

	mu.Lock()
	defer mu.Unlock()
	switch {
	case found != nil:
		return *found, nil
	case ctx.Err() != nil:
		return Device{}, ctxErr(ctx, "discover "+mac.String())
	case err != nil:
		return Device{}, fmt.Errorf("%w: %s: %w", ErrNotFound, mac, err)
	default:
		return Device{}, fmt.Errorf("%w: %s not seen within %s", ErrNotFound, mac, timeout)
	}
}

// Connect opens a GATT connection to h and resolves the lock's write and
// notify characteristics. It fails with ErrTimeout when timeout elapses and
// ErrConnect for any other failure.
func (t *Transport) Connect(ctx context.Context, h *DeviceHandle, timeout time.Duration) (*Link, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.adapter.Connect(cctx, h.Device.MAC)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctxErr(ctx, "connect "+h.MAC.String())
		case cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: connect %s within %s", ErrTimeout, h.MAC, timeout)
		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, h.MAC, err)
		}
	}

	write, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.WriteCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: %s: write characteristic: %w", ErrConnect, h.MAC, err)
	}
	notify, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.NotifyCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: %s: notify characteristic: %w", ErrConnect, h.MAC, err)
	}

	l := &Link{
		mac:        h.MAC,
		conn:       conn,
		write:      write,
		notify:     notify,
		mtu:        t.opts.MTU,
		chunkDelay: t.opts.InterChunkDelay,
		queueSize:  t.opts.QueueSize,
		log:        t.log,
		done:       make(chan struct{}),
	}
	conn.OnDisconnect(l.handleDisconnect)
	t.log.Debug("[BLE] Connected", "lock", h.MAC)
	return l, nil
}

// Link is one GATT connection to a lock. It is owned by a single handshake
// session and is not reusable after Disconnect.
type Link struct {
	mac        MAC
	conn       Connection
	write      Characteristic
	notify     Characteristic
	mtu        int
	chunkDelay time.Duration
	queueSize  int
	log        *slog.Logger

	mu         sync.Mutex
	queue      chan []byte
	subscribed bool
	queueOpen  bool
	closed     bool
	done       chan struct{}
}

// MAC returns the address of the connected lock.
func (l *Link) MAC() MAC { return l.mac }

// Done is closed once the link is disconnected by either side.
func (l *Link) Done() <-chan struct{} { return l.done }

// Write sends one encoded frame, split into MTU-sized chunks. The whole write
// is bounded by ctx: a deadline yields ErrTimeout, a radio failure ErrIO and
// a dropped link ErrDisconnected.
func (l *Link) Write(ctx context.Context, frame []byte) error {
	for i, chunk := range protocol.ChunkFrame(frame, l.mtu) {
		if i > 0 && l.chunkDelay > 0 {
			timer := time.NewTimer(l.chunkDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctxErr(ctx, "write")
			case <-l.done:
				timer.Stop()
				return ErrDisconnected
			}
		}
		if err := l.writeChunk(ctx, chunk); err != nil {
			return fmt.Errorf("%w (chunk %d)", err, i)
		}
	}
	return nil
}

func (l *Link) writeChunk(ctx context.Context, chunk []byte) error {
	select {
	case <-l.done:
		return ErrDisconnected
	default:
	}

	// Characteristic writes block inside the radio stack.
	ch := make(chan error, 1)
	go func() { ch <- l.write.Write(chunk) }()

	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%w: write: %w", ErrIO, err)
		}
		return nil
	case <-ctx.Done():
		return ctxErr(ctx, "write")
	case <-l.done:
		return ErrDisconnected
	}
}

// Subscribe enables notifications and returns the queue they are delivered
// on. The queue is closed when the link disconnects or Unsubscribe is called.
// A link can be subscribed once; a second call returns ErrAlreadySubscribed.
func (l *Link) Subscribe() (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrDisconnected
	}
	if l.subscribed {
		return nil, ErrAlreadySubscribed
	}
	l.subscribed = true
	l.queue = make(chan []byte, l.queueSize)
	l.queueOpen = true

	if err := l.notify.Subscribe(l.deliver); err != nil {
		l.closeQueueLocked()
		return nil, fmt.Errorf("%w: enable notifications: %w", ErrIO, err)
	}
	return l.queue, nil
}

// Unsubscribe disables notifications and closes the queue.
func (l *Link) Unsubscribe() error {
	l.mu.Lock()
	open := l.queueOpen
	l.closeQueueLocked()
	l.mu.Unlock()
	if !open {
		return nil
	}
	if err := l.notify.Unsubscribe(); err != nil {
		return fmt.Errorf("%w: disable notifications: %w", ErrIO, err)
	}
	return nil
}

// deliver runs on the radio stack's callback goroutine. It never blocks: a
// full queue drops the chunk, which the handshake then sees as a timeout.
func (l *Link) deliver(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.queueOpen {
		return
	}
	select {
	case l.queue <- cp:
	default:
		l.log.Warn("[BLE] notification queue full, dropping chunk", "lock", l.mac)
	}
}

// Disconnect closes the link. It is idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	wasSubscribed := l.queueOpen
	l.shutdownLocked()
	l.mu.Unlock()

	if wasSubscribed {
		_ = l.notify.Unsubscribe()
	}
	if err := l.conn.Disconnect(); err != nil {
		return fmt.Errorf("%w: disconnect: %w", ErrIO, err)
	}
	l.log.Debug("[BLE] Disconnected", "lock", l.mac)
	return nil
}

func (l *Link) handleDisconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.shutdownLocked()
	l.log.Warn("[BLE] Lock dropped the connection", "lock", l.mac)
}

func (l *Link) shutdownLocked() {
	l.closed = true
	close(l.done)
	l.closeQueueLocked()
}

func (l *Link) closeQueueLocked() {
	if l.queueOpen {
		l.queueOpen = false
		close(l.queue)
	}
}

// ctxErr maps a finished context to a transport error: deadlines become
// ErrTimeout, cancellation keeps context.Canceled.
func ctxErr(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return fmt.Errorf("ble: %s: %w", op, ctx.Err())
}
