package gatt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blectl/internal/att"
	"github.com/chaz8081/blectl/internal/timing"
)

// AuthFunc is the opaque authentication hook invoked after profile
// selection and before the first payload write (spec §4.9). Profiles that
// require a proprietary handshake (the Xiaomi bracelets) get one from the
// host application; a nil hook skips authentication.
type AuthFunc func(c *att.Client, h Handles) error

// Options configures a Facade.
type Options struct {
	// InterChunkDelay is the pause between consecutive chunk writes
	// (default 20ms, spec §4.9).
	InterChunkDelay time.Duration
	// QueueSize bounds the number of texts held while disconnected
	// (default 64). The oldest entry is dropped on overflow.
	QueueSize int
	// Profile forces a peripheral profile instead of detecting one.
	Profile Profile
	// AutoDetect runs DetectProfile at setup time; when false, Profile
	// (and, for ProfileCustom, Handles) is used as-is.
	AutoDetect bool
	// Handles supplies the attribute layout for ProfileCustom.
	Handles Handles
	// Auth is the authentication hook; nil skips the step.
	Auth AuthFunc
	// EnableNotify writes the CCCD after setup so the peripheral can push
	// responses back over the RX characteristic.
	EnableNotify bool
}

// DefaultOptions returns the facade defaults.
func DefaultOptions() Options {
	return Options{
		InterChunkDelay: 20 * time.Millisecond,
		QueueSize:       64,
		AutoDetect:      true,
		EnableNotify:    true,
	}
}

// Facade is the application-facing GATT client: it owns profile state and
// the text-send path, queuing outbound text while the link is down and
// flushing in order once it is back (adapted from the teacher's BLE client
// queue semantics).
type Facade struct {
	att    *att.Client
	clock  timing.Clock
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	ready    bool
	profile  Profile
	handles  Handles
	queue    []string
	notifyFn func(handle uint16, value []byte)
}

// FacadeOption configures a Facade at construction time.
type FacadeOption func(*Facade)

// WithLogger sets the facade's logger.
func WithLogger(l *slog.Logger) FacadeOption {
	return func(f *Facade) { f.logger = l }
}

// WithNotifyHandler registers the receiver for peripheral notifications on
// the profile's RX characteristic.
func WithNotifyHandler(fn func(handle uint16, value []byte)) FacadeOption {
	return func(f *Facade) { f.notifyFn = fn }
}

// NewFacade builds a Facade over an ATT client.
func NewFacade(c *att.Client, clk timing.Clock, opts Options, fopts ...FacadeOption) *Facade {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.InterChunkDelay <= 0 {
		opts.InterChunkDelay = 20 * time.Millisecond
	}
	f := &Facade{att: c, clock: clk, opts: opts}
	for _, o := range fopts {
		o(f)
	}
	c.SetNotifyHandler(f.handleNotify)
	return f
}

func (f *Facade) log() *slog.Logger {
	if f.logger == nil {
		return slog.Default()
	}
	return f.logger
}

// Setup runs the post-connection sequence: MTU exchange, profile selection,
// the authentication hook, and CCCD enablement, then flushes any queued
// text. Call it from the OnConnected path once the Link-Layer is up.
func (f *Facade) Setup() error {
	if _, err := f.att.ExchangeMTU(); err != nil {
		return fmt.Errorf("gatt: mtu exchange: %w", err)
	}

	profile := f.opts.Profile
	handles := f.opts.Handles
	if f.opts.AutoDetect {
		p, err := DetectProfile(f.att)
		if err != nil {
			return err
		}
		profile = p
	}
	if profile != ProfileCustom {
		handles = HandlesFor(profile)
	}
	if handles.TXChar == 0 {
		return fmt.Errorf("gatt: profile %s has no tx characteristic handle", profile)
	}

	if f.opts.Auth != nil {
		if err := f.opts.Auth(f.att, handles); err != nil {
			return fmt.Errorf("gatt: authentication: %w", err)
		}
	}

	if f.opts.EnableNotify && handles.CCCD != 0 {
		if err := f.att.EnableNotifications(handles.CCCD); err != nil {
			return fmt.Errorf("gatt: enable notifications: %w", err)
		}
	}

	f.mu.Lock()
	f.profile = profile
	f.handles = handles
	f.ready = true
	f.mu.Unlock()

	f.log().Info("gatt: peripheral ready", "profile", profile, "mtu", f.att.MTU())
	f.flushQueue()
	return nil
}

// Profile returns the selected profile, valid after Setup.
func (f *Facade) Profile() Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

// Handles returns the active handle set, valid after Setup.
func (f *Facade) Handles() Handles {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles
}

// SendText pushes a UTF-8 string to the peripheral's TX characteristic in
// mtu-3 sized chunks with the configured inter-chunk spacing (spec §4.9).
// While the link is down the text is queued for delivery after the next
// Setup.
func (f *Facade) SendText(text string) error {
	if text == "" {
		return nil
	}

	f.mu.Lock()
	if !f.ready {
		f.enqueueLocked(text)
		f.mu.Unlock()
		return nil
	}
	txChar := f.handles.TXChar
	f.mu.Unlock()

	return f.sendChunked(txChar, text)
}

func (f *Facade) sendChunked(txChar uint16, text string) error {
	chunks := ChunkText(text, f.att.MTU()-3)
	for i, chunk := range chunks {
		if err := f.att.Write(txChar, []byte(chunk)); err != nil {
			return fmt.Errorf("gatt: write chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			f.clock.DelayUS(uint32(f.opts.InterChunkDelay.Microseconds()))
		}
	}
	return nil
}

// enqueueLocked adds text to the send queue (caller must hold mu).
func (f *Facade) enqueueLocked(text string) {
	if len(f.queue) >= f.opts.QueueSize {
		f.log().Warn("gatt: queue full, dropping oldest message")
		f.queue = f.queue[1:]
	}
	f.queue = append(f.queue, text)
}

// QueueLen returns the number of queued messages.
func (f *Facade) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// flushQueue sends all queued messages in order. Messages that fail to send
// are logged and dropped.
func (f *Facade) flushQueue() {
	f.mu.Lock()
	if !f.ready || len(f.queue) == 0 {
		f.mu.Unlock()
		return
	}
	queued := make([]string, len(f.queue))
	copy(queued, f.queue)
	f.queue = f.queue[:0]
	txChar := f.handles.TXChar
	f.mu.Unlock()

	for _, text := range queued {
		if err := f.sendChunked(txChar, text); err != nil {
			f.log().Error("gatt: failed to flush queued message", "error", err)
		}
	}
}

// Disconnected marks the facade not ready; subsequent SendText calls queue
// until the next Setup. Call it from the OnDisconnected path.
func (f *Facade) Disconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
}

// handleNotify forwards RX-characteristic pushes to the registered handler.
func (f *Facade) handleNotify(handle uint16, value []byte) {
	f.mu.Lock()
	fn := f.notifyFn
	rx := f.handles.RXChar
	f.mu.Unlock()

	if fn == nil {
		return
	}
	if rx != 0 && handle != rx {
		f.log().Debug("gatt: notification on unexpected handle", "handle", handle)
	}
	fn(handle, value)
}
