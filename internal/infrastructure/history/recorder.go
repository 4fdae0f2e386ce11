package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/voxbridge/voxbridge-core/internal/infrastructure/config"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
)

// Logger interface for async write error logging.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes command execution history to InfluxDB.
//
// Writes are non-blocking and batched; a slow or absent history store
// never delays command execution. All methods are safe for concurrent
// use.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   Logger

	connected bool
	mu        sync.RWMutex
}

// Connect establishes a connection to the InfluxDB server and verifies it
// with a ping.
func Connect(cfg config.HistoryConfig, logger Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:    logger,
		connected: true,
	}

	// Async write failures surface on a channel, drain it into the log.
	go func(errorsCh <-chan error) {
		for err := range errorsCh {
			if r.logger != nil {
				r.logger.Warn("history write failed", "error", err)
			}
		}
	}(r.writeAPI.Errors())

	return r, nil
}

// Record writes one command execution outcome.
//
// Tags carry the low-cardinality dimensions (device, command, status);
// latency and attempt count go in fields.
func (r *Recorder) Record(deviceID, command, status string, latency time.Duration, attempts int) {
	if !r.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_execution",
		map[string]string{
			"device_id": deviceID,
			"command":   command,
			"status":    status,
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Milliseconds()),
			"attempts":   attempts,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// HealthCheck verifies the InfluxDB connection with an active ping.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := r.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("history health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("history health check failed: server not healthy")
	}
	return nil
}

// IsConnected returns the last known connection state.
func (r *Recorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Close flushes pending writes and shuts down the client.
func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}

	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
	return nil
}
