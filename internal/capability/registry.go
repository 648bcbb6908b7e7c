// Package capability tracks which nodes on the bus are alive and what they
// can do. Dictation uses it to find a healthy STT node.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Capability names used by dictation.
const (
	Dictation = "dictation.session"
	STTStream = "stt.stream"
)

// evictAfter is how many heartbeat timeouts a silent node is kept before it
// is forgotten.
const evictAfter = 10

type NodeInfo struct {
	ID           string                    `json:"id"`
	Role         string                    `json:"role"`
	Capabilities []protocol.NodeCapability `json:"capabilities"`
	LastSeen     time.Time                 `json:"last_seen"`
	Healthy      bool                      `json:"healthy"`
}

func (n NodeInfo) has(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.registerMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(false); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	return r, nil
}

// Close announces that this node is leaving and stops the background loop.
func (r *Registry) Close() {
	if err := r.announce(true); err != nil {
		r.log.Debug("failed to announce departure", slogError(err))
	}
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

// run publishes this node's heartbeat and ages out silent nodes.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(r.healthInterval())
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			hb := protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
			if err := r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, hb); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case now := <-health.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) healthInterval() time.Duration {
	interval := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

func (r *Registry) announce(leaving bool) error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: convertCapabilities(r.cfg.Capabilities),
		Leaving:      leaving,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	if !leaving {
		r.seen(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	}
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if announcement.Leaving {
		r.forget(announcement.NodeID)
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.seen(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.seen(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) seen(nodeID, role string, capabilities []protocol.NodeCapability, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Debug("node discovered", slog.String("node_id", nodeID))
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = at
	node.Healthy = true
}

func (r *Registry) forget(nodeID string) {
	if nodeID == r.cfg.ID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		delete(r.nodes, nodeID)
		r.log.Info("node left", slog.String("node_id", nodeID))
	}
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		switch {
		case id != r.cfg.ID && silent > evictAfter*timeout:
			delete(r.nodes, id)
			r.log.Info("node evicted", slog.String("node_id", id))
		case silent > timeout && node.Healthy:
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", id), slog.Duration("silent", silent))
		}
	}
}

// Healthy reports whether this node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// HasHealthy reports whether any healthy node advertises the named
// capability.
func (r *Registry) HasHealthy(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.Healthy && node.has(name) {
			return true
		}
	}
	return false
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = append([]protocol.NodeCapability(nil), node.Capabilities...)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.has(name) }
}

// registerMetrics exposes node counts and, per capability, how many healthy
// nodes advertise it.
func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.capabilities.healthy",
		metric.WithDescription("Healthy nodes advertising a capability"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, perCapability := r.counts()
		obs.ObserveInt64(nodes, total)
		for name, n := range perCapability {
			obs.ObserveInt64(healthy, n, metric.WithAttributes(attribute.String("capability", name)))
		}
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, map[string]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perCapability := make(map[string]int64)
	for _, node := range r.nodes {
		for _, c := range node.Capabilities {
			if node.Healthy {
				perCapability[c.Name]++
			} else if _, ok := perCapability[c.Name]; !ok {
				perCapability[c.Name] = 0
			}
		}
	}
	return int64(len(r.nodes)), perCapability
}

func convertCapabilities(source []config.NodeCapability) []protocol.NodeCapability {
	if len(source) == 0 {
		return nil
	}
	result := make([]protocol.NodeCapability, 0, len(source))
	for _, c := range source {
		result = append(result, protocol.NodeCapability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: c.Attributes,
		})
	}
	return result
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
