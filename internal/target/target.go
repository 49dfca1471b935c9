// Package target implements the Target driver: it binds a UDP socket
// (joining an IPv4 multicast group when configured), feeds every
// incoming datagram to a protocol.Receiver, lazily creates the local
// telemetry provider on the first complete payload, decompresses into
// its write view, and signals waiters. An idle provider is aged out
// after a period of silence so downstream consumers see the remote
// session end the same way they would see a local source stop.
package target

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"racewire/internal/compress"
	"racewire/internal/protocol"
	"racewire/internal/stats"
	"racewire/internal/telemetry"
)

// Default tunables for the recv loop.
const (
	DefaultTelemetryTimeout = 10 * time.Second
	DefaultRecvTimeout      = 1 * time.Second
	// DefaultRegionSize is the mapping size the Target creates its
	// provider at when it first sees a complete payload; 32 MiB comfortably
	// fits the largest telemetry snapshot the reference simulator exposes.
	DefaultRegionSize = 32 * 1024 * 1024
	// DefaultRegionName is the well-known name Source and Target agree on
	// through their CLI defaults.
	DefaultRegionName = "iracing-telemetry"
)

// Config configures a Driver.
type Config struct {
	// Bind is the local UDP address to listen on, e.g. "0.0.0.0:5000".
	Bind string
	// Unicast disables the multicast group join; Group is ignored.
	Unicast bool
	// Group is the IPv4 multicast group to join when !Unicast.
	Group string
	// RegionName is the telemetry region/signal name the Target creates.
	RegionName string
	// RegionSize is the byte size the Target creates its provider at.
	RegionSize int

	RecvTimeout      time.Duration
	TelemetryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegionName == "" {
		c.RegionName = DefaultRegionName
	}
	if c.RegionSize == 0 {
		c.RegionSize = DefaultRegionSize
	}
	if c.RecvTimeout == 0 {
		c.RecvTimeout = DefaultRecvTimeout
	}
	if c.TelemetryTimeout == 0 {
		c.TelemetryTimeout = DefaultTelemetryTimeout
	}
	return c
}

// Driver is the Target half of the wire pipeline.
type Driver struct {
	cfg     Config
	log     *zap.SugaredLogger
	creator telemetry.Creator

	conn *net.UDPConn

	receiver *protocol.Receiver
	scratch  [protocol.MaxDatagramSize]byte

	provider          telemetry.Provider
	lastUpdate        time.Time
	sequenceStartTime time.Time
	haveSequenceStart bool

	Stats *stats.Counters
}

// New binds the Target's UDP socket, joining cfg.Group on an IPv4
// multicast interface when cfg.Unicast is false, and returns a Driver
// ready for Run.
func New(cfg Config, creator telemetry.Creator, log *zap.SugaredLogger) (*Driver, error) {
	cfg = cfg.withDefaults()

	laddr, err := net.ResolveUDPAddr("udp4", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("target: resolve bind address: %w", err)
	}

	lc := net.ListenConfig{Control: reusableListenConfig}
	pc, err := lc.ListenPacket(context.Background(), "udp4", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("target: bind: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("target: bind: unexpected PacketConn type %T", pc)
	}

	if !cfg.Unicast {
		group := net.ParseIP(cfg.Group)
		if group == nil || group.To4() == nil {
			conn.Close()
			return nil, fmt.Errorf("target: group %q is not a valid IPv4 multicast address", cfg.Group)
		}

		ifi, err := interfaceForAddr(laddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("target: select multicast interface: %w", err)
		}

		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			ifName := "<default>"
			if ifi != nil {
				ifName = ifi.Name
			}
			return nil, fmt.Errorf("target: join multicast group %s on %s: %w", cfg.Group, ifName, err)
		}
	}

	if err := conn.SetReadBuffer(4 * 1024 * 1024); err != nil {
		log.Warnw("failed to grow UDP receive buffer", "error", err)
	}

	return &Driver{
		cfg:      cfg,
		log:      log,
		creator:  creator,
		conn:     conn,
		receiver: protocol.NewReceiver(),
		Stats:    stats.NewCounters(),
	}, nil
}

// Close releases the Target's UDP socket and, if one is live, its
// telemetry provider.
func (d *Driver) Close() error {
	if d.provider != nil {
		d.provider.Close()
		d.provider = nil
	}
	return d.conn.Close()
}

// Run drives the Target's recv loop until ctx is cancelled or a fatal
// error occurs. A clean shutdown returns nil.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(d.cfg.RecvTimeout)); err != nil {
			return fmt.Errorf("target: set read deadline: %w", err)
		}

		n, _, err := d.conn.ReadFromUDP(d.scratch[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				d.ageOutIdleProvider()
				continue
			}
			return fmt.Errorf("target: recv: %w", err)
		}

		payload, sequenceChanged := d.receiver.ProcessDatagram(d.scratch[:n])
		if sequenceChanged {
			d.sequenceStartTime = time.Now()
			d.haveSequenceStart = true
		}

		if payload == nil {
			continue
		}

		if err := d.applyPayload(payload); err != nil {
			return err
		}
	}
}

// ageOutIdleProvider drops the provider once it has gone TelemetryTimeout
// without a complete update, releasing the shared region and signal so
// downstream consumers on this host observe the session ending.
func (d *Driver) ageOutIdleProvider() {
	if d.provider == nil {
		return
	}
	if time.Since(d.lastUpdate) <= d.cfg.TelemetryTimeout {
		return
	}
	d.log.Warnw("telemetry idle past timeout, releasing provider",
		"region", d.cfg.RegionName, "idle_for", time.Since(d.lastUpdate))
	d.provider.Close()
	d.provider = nil
}

// applyPayload decompresses one complete reassembled snapshot into the
// provider's write view (creating the provider lazily on first use) and
// signals waiters.
func (d *Driver) applyPayload(payload []byte) error {
	if d.provider == nil {
		p, err := d.creator.Create(d.cfg.RegionName, d.cfg.RegionSize)
		if err != nil {
			return fmt.Errorf("target: create provider: %w", err)
		}
		d.log.Infow("telemetry session started, created provider",
			"region", d.cfg.RegionName, "region_size_bytes", d.cfg.RegionSize)
		d.provider = p
	}

	if _, err := compress.Decompress(d.provider.AsWrite(), payload); err != nil {
		d.log.Errorw("decompression failed, skipping update", "error", err)
		return nil
	}

	if err := d.provider.SignalDataReady(); err != nil {
		return fmt.Errorf("target: signal data ready: %w", err)
	}

	now := time.Now()
	latencyUs := d.receiver.LastSourceTimeUs()
	if d.haveSequenceStart {
		latencyUs += now.Sub(d.sequenceStartTime).Microseconds()
		d.haveSequenceStart = false
	}
	fragments := (len(payload) + protocol.MaxPayloadSize - 1) / protocol.MaxPayloadSize
	if fragments == 0 {
		fragments = 1
	}
	d.Stats.AddUpdate(len(payload), fragments, latencyUs)
	d.lastUpdate = now
	return nil
}

// reusableListenConfig sets SO_REUSEADDR (and, off Windows, SO_REUSEPORT)
// on the listening socket before bind, so a Target can rebind promptly
// after a restart without waiting out TIME_WAIT.
func reusableListenConfig(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS != "windows" {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
				ctrlErr = e
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// interfaceForAddr picks the network interface to join a multicast group
// on: the one owning laddr's IP when it's a specific bound address,
// otherwise nil so the kernel chooses the default multicast-capable
// interface (the IPv4-any-bound case, "0.0.0.0").
func interfaceForAddr(laddr *net.UDPAddr) (*net.Interface, error) {
	if laddr.IP == nil || laddr.IP.IsUnspecified() {
		return nil, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(laddr.IP) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface owns address %s", laddr.IP)
}
