// Package source implements the Source driver: it binds a UDP socket,
// repeatedly attaches to the local telemetry provider, compresses
// whatever it reads on every signalled tick, and hands the result to a
// protocol.Sender. Reconnection and shutdown are handled entirely inside
// Driver.Run; callers only supply a telemetry.Opener and a shutdown
// context.
package source

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"racewire/internal/compress"
	"racewire/internal/protocol"
	"racewire/internal/stats"
	"racewire/internal/telemetry"
)

// Default tunables for the attach/steady-state loops.
const (
	DefaultWaitIntervalMs    = 200
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultAttachRetry       = 10 * time.Second
	// DefaultRegionName is the well-known name Source and Target agree on
	// through their CLI defaults.
	DefaultRegionName = "iracing-telemetry"
)

// Config configures a Driver.
type Config struct {
	// Bind is the local UDP address to bind, e.g. "0.0.0.0:0".
	Bind string
	// Target is the peer address: the unicast target, or the multicast
	// group:port to send to.
	Target string
	// Unicast selects connected unicast sends over WriteToUDP multicast
	// sends.
	Unicast bool
	// RegionName is the telemetry region/signal name the Source attaches
	// to.
	RegionName string

	WaitInterval       time.Duration
	DisconnectTimeout  time.Duration
	AttachRetry        time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegionName == "" {
		c.RegionName = DefaultRegionName
	}
	if c.WaitInterval == 0 {
		c.WaitInterval = DefaultWaitIntervalMs * time.Millisecond
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.AttachRetry == 0 {
		c.AttachRetry = DefaultAttachRetry
	}
	return c
}

// Driver is the Source half of the wire pipeline.
type Driver struct {
	cfg    Config
	log    *zap.SugaredLogger
	opener telemetry.Opener

	conn     *net.UDPConn
	peerAddr *net.UDPAddr // only set in multicast mode

	sender     *protocol.Sender
	compressor *compress.Compressor
	scratch    []byte

	Stats *stats.Counters
}

// New binds the Source's UDP socket (connecting it to Target when
// cfg.Unicast is set) and returns a Driver ready for Run.
func New(cfg Config, opener telemetry.Opener, log *zap.SugaredLogger) (*Driver, error) {
	cfg = cfg.withDefaults()

	d := &Driver{
		cfg:        cfg,
		log:        log,
		opener:     opener,
		sender:     protocol.NewSender(),
		compressor: compress.NewCompressor(),
		Stats:      stats.NewCounters(),
	}

	if cfg.Unicast {
		laddr, err := net.ResolveUDPAddr("udp", cfg.Bind)
		if err != nil {
			return nil, fmt.Errorf("source: resolve bind address: %w", err)
		}
		raddr, err := net.ResolveUDPAddr("udp", cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("source: resolve target address: %w", err)
		}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err != nil {
			return nil, fmt.Errorf("source: dial target: %w", err)
		}
		d.conn = conn
	} else {
		laddr, err := net.ResolveUDPAddr("udp", cfg.Bind)
		if err != nil {
			return nil, fmt.Errorf("source: resolve bind address: %w", err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("source: bind: %w", err)
		}
		peerAddr, err := net.ResolveUDPAddr("udp", cfg.Target)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("source: resolve target address: %w", err)
		}
		d.conn = conn
		d.peerAddr = peerAddr
	}

	return d, nil
}

// Close releases the Source's UDP socket.
func (d *Driver) Close() error {
	return d.conn.Close()
}

func (d *Driver) emit(datagram []byte) error {
	if d.cfg.Unicast {
		_, err := d.conn.Write(datagram)
		return err
	}
	_, err := d.conn.WriteToUDP(datagram, d.peerAddr)
	return err
}

// Run drives the Source's attach loop and steady-state loop until ctx is
// cancelled or a fatal error occurs. A clean shutdown (ctx cancelled
// during the attach loop or the steady-state loop) returns nil.
func (d *Driver) Run(ctx context.Context) error {
	provider, err := d.attach(ctx)
	if err != nil {
		return err
	}
	if provider == nil {
		return nil // shutdown requested while attaching
	}
	defer func() {
		if provider != nil {
			provider.Close()
		}
	}()

	lastDataTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !provider.WaitForData(d.cfg.WaitInterval) {
			if time.Since(lastDataTime) > d.cfg.DisconnectTimeout {
				d.log.Warnw("provider idle past disconnect timeout, reconnecting",
					"region", d.cfg.RegionName, "idle_for", time.Since(lastDataTime))
				provider.Close()
				provider, err = d.attach(ctx)
				if err != nil {
					return err
				}
				if provider == nil {
					return nil
				}
				lastDataTime = time.Now()
			}
			continue
		}

		lastDataTime = time.Now()

		src := provider.AsRead()
		if len(d.scratch) < compress.CompressBound(len(src)) {
			d.scratch = make([]byte, compress.CompressBound(len(src)))
		}
		n, err := d.compressor.Compress(d.scratch, src)
		if err != nil {
			d.log.Errorw("compression failed, skipping update", "error", err)
			continue
		}

		processingTimeUs := time.Since(lastDataTime).Microseconds()

		fragments, err := d.sender.Send(d.scratch[:n], processingTimeUs, d.emit)
		if err != nil {
			return fmt.Errorf("source: send: %w", err)
		}
		d.Stats.AddUpdate(n, fragments, processingTimeUs)
	}
}

// attach implements the "Waiting for racing session to start…" loop. It
// returns (nil, nil) when ctx is cancelled before a provider becomes
// available, and returns any Failed (fatal) error from Opener.Open wrapped
// with a "source: open telemetry" prefix (still matchable via errors.As).
func (d *Driver) attach(ctx context.Context) (telemetry.Provider, error) {
	d.log.Info("waiting for racing session to start...")
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		p, err := d.opener.Open(d.cfg.RegionName)
		if err == nil {
			d.log.Infow("connected to telemetry source", "region_size_bytes", p.Size())
			return p, nil
		}
		if !telemetry.IsUnavailable(err) {
			return nil, fmt.Errorf("source: open telemetry: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(d.cfg.AttachRetry):
		}
	}
}
