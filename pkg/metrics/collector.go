package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/storage"
	"github.com/catalyst-gg/catalyst/pkg/types"
)

const deliveryGaugeCap = 10000

// Collector refreshes the fleet gauges from the store on a fixed
// cadence. Counters are incremented at their call sites; gauges that
// describe stored state live here so they carry correct values across
// backend restarts.
type Collector struct {
	store       storage.Store
	interval    time.Duration
	maxAttempts int
	logger      zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector reading from store.
func NewCollector(cfg *config.Config, store storage.Store) *Collector {
	return &Collector{
		store:       store,
		interval:    cfg.MetricsRefreshInterval,
		maxAttempts: cfg.AlertDeliveryMaxAttempts,
		logger:      log.WithComponent("collector"),
		stopCh:      make(chan struct{}),
	}
}

// Start refreshes once immediately, then on every tick.
func (c *Collector) Start() {
	c.collect()

	c.wg.Add(1)
	go c.run()
	c.logger.Info().Dur("interval", c.interval).Msg("Fleet gauge collector started")
}

// Stop halts the refresh loop. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectNodeCounts()
	c.collectServerCounts()
	c.collectDeliveryBacklog()
}

func (c *Collector) collectNodeCounts() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list nodes for gauges")
		return
	}

	online := 0
	for _, node := range nodes {
		if node.IsOnline {
			online++
		}
	}

	NodesTotal.Set(float64(len(nodes)))
	NodesOnline.Set(float64(online))
}

func (c *Collector) collectServerCounts() {
	servers, err := c.store.ListServers()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list servers for gauges")
		return
	}

	counts := make(map[types.ServerStatus]int)
	for _, server := range servers {
		counts[server.Status]++
	}

	// Update every known status, zeroing states no server occupies
	for _, status := range knownStatuses {
		ServersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectDeliveryBacklog() {
	// The far-future bound counts every failed row still eligible for
	// retry, not only those whose backoff has already elapsed.
	before := time.Now().Add(24 * time.Hour)
	deliveries, err := c.store.ListRetryableDeliveries(c.maxAttempts, before, deliveryGaugeCap)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list deliveries for gauges")
		return
	}
	AlertDeliveriesPending.Set(float64(len(deliveries)))
}

var knownStatuses = []types.ServerStatus{
	types.StatusStopped,
	types.StatusInstalling,
	types.StatusStarting,
	types.StatusRunning,
	types.StatusStopping,
	types.StatusCrashed,
	types.StatusError,
}
