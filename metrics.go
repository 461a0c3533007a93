package workersdk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EnvNoMetrics disables telemetry when set to any non-empty value.
const EnvNoMetrics = "WORKERS_NO_METRICS"

// metricsTimeout bounds how long one event send may take. Telemetry must
// never hold up a command.
var metricsTimeout = time.Second

// MetricsEvent is one anonymous usage event.
type MetricsEvent struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Reporter sends usage events in the background. A nil or disabled Reporter
// drops events silently, so call sites never need to branch.
type Reporter struct {
	client   *Client
	deviceID string
	disabled bool
	wg       sync.WaitGroup
}

// NewReporter builds a Reporter. Telemetry is off when the opt-out variable
// is set or no client is available; the Reporter still works, it just drops
// everything.
func NewReporter(client *Client, dataDir string) *Reporter {
	r := &Reporter{client: client}
	if os.Getenv(EnvNoMetrics) != "" || client == nil {
		r.disabled = true
		return r
	}
	r.deviceID = loadOrCreateDeviceID(dataDir)
	return r
}

// loadOrCreateDeviceID returns a stable random ID for this machine, stored
// under the data directory. Any failure degrades to a per-run ID.
func loadOrCreateDeviceID(dataDir string) string {
	path := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err == nil {
		_ = os.WriteFile(path, []byte(id+"\n"), 0644)
	}
	return id
}

// Record queues one event for sending. It returns immediately; failures are
// logged at debug level and otherwise ignored.
func (r *Reporter) Record(name string, props map[string]string) {
	if r == nil || r.disabled {
		return
	}
	ev := &MetricsEvent{
		ID:         uuid.NewString(),
		DeviceID:   r.deviceID,
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Properties: props,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
		defer cancel()
		if err := r.client.SendEvent(ctx, ev); err != nil {
			logger.Debug().Err(err).Str("event", name).Msg("dropping metrics event")
		}
	}()
}

// Close waits for in-flight events. The per-event timeout bounds the wait.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
