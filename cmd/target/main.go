// Command target runs the Target half of the telemetry relay: it listens
// on UDP (joining a multicast group by default), reassembles and
// decompresses incoming snapshots, and re-materializes them into a
// locally named shared-memory region and auto-reset signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"racewire/internal/stats"
	"racewire/internal/target"
	"racewire/internal/telemetry"
)

const statsInterval = 5 * time.Second

func main() {
	bind := flag.String("bind", "0.0.0.0:5000", "local UDP bind address")
	group := flag.String("group", "239.255.0.1", "multicast group to join")
	unicast := flag.Bool("unicast", false, "use unicast instead of multicast")
	region := flag.String("region", target.DefaultRegionName, "named telemetry region to create")
	regionSize := flag.Int("region-size", target.DefaultRegionSize, "telemetry region size in bytes")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("target: build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	d, err := target.New(target.Config{
		Bind:       *bind,
		Unicast:    *unicast,
		Group:      *group,
		RegionName: *region,
		RegionSize: *regionSize,
	}, telemetry.Default, sugar)
	if err != nil {
		sugar.Fatalw("failed to start target", "error", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printStats(ctx, d.Stats, sugar, "target")

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "target: %v\n", err)
		os.Exit(1)
	}
}

func printStats(ctx context.Context, counters *stats.Counters, log *zap.SugaredLogger, name string) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := counters.SnapshotAndReset()
			log.Infow(name+" stats",
				"updates_per_sec", s.UpdatesPerSec,
				"mbps", s.Mbps,
				"avg_fragments", s.AvgFragments,
				"avg_latency_us", s.AvgLatencyUs,
			)
		}
	}
}
