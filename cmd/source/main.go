// Command source runs the Source half of the telemetry relay: it attaches
// to the local telemetry provider, compresses each snapshot, and sends it
// over UDP to a Target, either unicast or multicast.
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

	"racewire/internal/source"
	"racewire/internal/stats"
	"racewire/internal/telemetry"
)

const statsInterval = 5 * time.Second

func main() {
	bind := flag.String("bind", "0.0.0.0:0", "local UDP bind address")
	target := flag.String("target", "239.255.0.1:5000", "target address to send telemetry to")
	unicast := flag.Bool("unicast", false, "use unicast instead of multicast")
	region := flag.String("region", source.DefaultRegionName, "named telemetry region to attach to")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("source: build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	d, err := source.New(source.Config{
		Bind:       *bind,
		Target:     *target,
		Unicast:    *unicast,
		RegionName: *region,
	}, telemetry.Default, sugar)
	if err != nil {
		sugar.Fatalw("failed to start source", "error", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printStats(ctx, d.Stats, sugar, "source")

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "source: %v\n", err)
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
