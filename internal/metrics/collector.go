package metrics

import (
	"runtime"
	"sync"
	"time"
)

// DefaultCollectInterval is how often the Collector refreshes gauges.
const DefaultCollectInterval = 15 * time.Second

// UptimeFunc reports the tunnel uptime in seconds.
type UptimeFunc func() float64

// Collector records runtime events and refreshes gauges periodically. Its
// Record methods are safe to call on a nil *Collector, which disables
// metrics.
type Collector struct {
	metrics  *Metrics
	uptime   UptimeFunc
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, uptime UptimeFunc) *Collector {
	return &Collector{
		metrics:  metrics,
		uptime:   uptime,
		interval: DefaultCollectInterval,
	}
}

// Metrics returns the underlying metrics.
func (c *Collector) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// SetInterval changes the refresh period. It only takes effect before Start.
func (c *Collector) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done chan struct{}) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect performs a single metrics collection.
func (c *Collector) collect() {
	if c.uptime != nil {
		c.metrics.Uptime.Set(c.uptime())
	}
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

// RecordBatch records one batch of packets read from the interface.
func (c *Collector) RecordBatch(packets int, bytes uint64) {
	if c == nil {
		return
	}
	c.metrics.PacketsIn.Add(float64(packets))
	c.metrics.BytesIn.Add(float64(bytes))
}

// RecordState marks state as the current runtime state.
func (c *Collector) RecordState(state string) {
	if c == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.metrics.State.WithLabelValues(s).Set(v)
	}
}

// RecordSettingsApply records the outcome of applying network settings.
func (c *Collector) RecordSettingsApply(err error) {
	if c == nil {
		return
	}
	c.metrics.SettingsApplies.WithLabelValues(result(err == nil)).Inc()
}

// RecordProxyUpdate records whether a proxy update was accepted.
func (c *Collector) RecordProxyUpdate(accepted bool) {
	if c == nil {
		return
	}
	res := "accepted"
	if !accepted {
		res = "rejected"
	}
	c.metrics.ProxyUpdates.WithLabelValues(res).Inc()
}

// RecordControlMessage records a handled control message.
func (c *Collector) RecordControlMessage(command string, ok bool) {
	if c == nil {
		return
	}
	c.metrics.ControlMessages.WithLabelValues(command, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
