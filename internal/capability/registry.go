package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "speak.node.announce"
	subjectHeartbeat = "speak.node.heartbeat"
)

// NodeInfo is what the registry knows about one node.
type NodeInfo struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Slots    int       `json:"slots"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// IsWorker reports whether the node synthesizes audio.
func (n NodeInfo) IsWorker() bool {
	return n.Role == config.RoleWorker || n.Role == config.RoleAll
}

type nodeMessage struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Slots     int       `json:"slots"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks the broker and worker nodes sharing a bus. Every node
// announces itself on start and then heartbeats; a node that misses the
// heartbeat timeout is marked unhealthy.
type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	clock     func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "node-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-speak/capability"),
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.publish(subjectAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleNodeMessage)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeat+".*", r.handleNodeMessage)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publish(subjectHeartbeat + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// publish sends this node's description. Heartbeats carry the same payload
// as the announcement, so a broker started late still learns every worker.
func (r *Registry) publish(subject string) error {
	msg := nodeMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Slots:     r.cfg.Slots,
		Timestamp: r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

func (r *Registry) handleNodeMessage(msg *nats.Msg) {
	var node nodeMessage
	if err := json.Unmarshal(msg.Data, &node); err != nil {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if node.NodeID == "" {
		return
	}
	if node.Timestamp.IsZero() {
		node.Timestamp = r.clock().UTC()
	}
	r.updateNode(node)
}

func (r *Registry) updateNode(msg nodeMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
		r.log.Info("node discovered", slog.String("node_id", msg.NodeID), slog.String("role", msg.Role), slog.Int("slots", msg.Slots))
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if msg.Slots > 0 {
		node.Slots = msg.Slots
	}
	node.LastSeen = msg.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node has seen its own announcement.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

// HealthyWorkers lists the workers currently heartbeating.
func (r *Registry) HealthyWorkers() []NodeInfo {
	return r.Query(func(n NodeInfo) bool { return n.Healthy && n.IsWorker() })
}

// WorkerSlots sums the synthesis slots advertised by healthy workers.
func (r *Registry) WorkerSlots() int {
	total := 0
	for _, n := range r.HealthyWorkers() {
		total += n.Slots
	}
	return total
}

func (r *Registry) initMetrics() error {
	nodeGauge, err := r.meter.Int64ObservableGauge("speak.nodes.healthy_workers", metric.WithDescription("Workers currently heartbeating"))
	if err != nil {
		return err
	}
	slotGauge, err := r.meter.Int64ObservableGauge("speak.nodes.worker_slots", metric.WithDescription("Synthesis slots advertised by healthy workers"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodeGauge, int64(len(r.HealthyWorkers())))
		obs.ObserveInt64(slotGauge, int64(r.WorkerSlots()))
		return nil
	}, nodeGauge, slotGauge)
	return err
}
