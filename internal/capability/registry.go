package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "ctrl.node.announce"
	subjectHeartbeat = "ctrl.node.heartbeat"

	// Nodes silent for this many heartbeat timeouts are forgotten.
	pruneFactor = 5
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	// Solicit asks every other node to announce itself back, so a late
	// joiner learns the capabilities already on the bus.
	Solicit   bool      `json:"solicit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks which nodes are on the bus and what they can do. The
// dictation node uses it to find a remote recognizer before building a bus
// engine.
type Registry struct {
	cfg    config.NodeConfig
	self   announcement
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	done   chan struct{}
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	// changed is closed and replaced on every update; WaitFor blocks on it.
	changed chan struct{}
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg: cfg,
		self: announcement{
			NodeID:       cfg.ID,
			Role:         cfg.Role,
			Capabilities: convertCapabilities(cfg.Capabilities),
		},
		log:     log.With(slog.String("component", "capability-registry")),
		bus:     busClient,
		cancel:  cancel,
		done:    make(chan struct{}),
		nodes:   make(map[string]*NodeInfo),
		changed: make(chan struct{}),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-dictation/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		r.unsubscribe()
		return nil, err
	}

	go r.run(ctx)

	if err := r.announce(true); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	<-r.done
	r.unsubscribe()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		subjectAnnounce:         r.handleAnnounce,
		subjectHeartbeat + ".*": r.handleHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return conn.Flush()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// run publishes heartbeats and ages out silent nodes until ctx is done.
func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	beat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer beat.Stop()
	check := time.NewTicker(time.Second)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			msg := heartbeat{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
			if err := r.bus.PublishJSON(subjectHeartbeat+"."+r.cfg.ID, msg); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case now := <-check.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce(solicit bool) error {
	msg := r.self
	msg.Solicit = solicit
	msg.Timestamp = time.Now().UTC()
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if a.NodeID == "" || a.NodeID == r.cfg.ID {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.observe(a.NodeID, a.Role, a.Capabilities, a.Timestamp)
	if a.Solicit {
		if err := r.announce(false); err != nil {
			r.log.Warn("failed to answer announce", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.observe(hb.NodeID, "", nil, hb.Timestamp)
}

// observe records that nodeID was seen. Heartbeats carry no role or
// capabilities and leave the announced ones untouched.
func (r *Registry) observe(nodeID, role string, capabilities []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Debug("node discovered", slog.String("node", nodeID))
	} else if !node.Healthy {
		r.log.Info("node recovered", slog.String("node", nodeID))
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
	r.notifyLocked()
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	changed := false
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		switch {
		case id != r.cfg.ID && silent > pruneFactor*timeout:
			delete(r.nodes, id)
			r.log.Info("node forgotten", slog.String("node", id))
			changed = true
		case node.Healthy && silent > timeout:
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node", id), slog.Duration("silent", silent))
			changed = true
		}
	}
	if changed {
		r.notifyLocked()
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Healthy reports whether this node still hears its own heartbeats.
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
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

// HasCapability reports whether a healthy node advertises name with all of
// the given attributes.
func (r *Registry) HasCapability(name string, attrs map[string]string) bool {
	match := WithCapabilityFilter(name, attrs)
	return len(r.Query(func(node NodeInfo) bool { return node.Healthy && match(node) })) > 0
}

// WaitFor blocks until HasCapability holds or ctx is done.
func (r *Registry) WaitFor(ctx context.Context, name string, attrs map[string]string) bool {
	for {
		r.mu.RLock()
		changed := r.changed
		r.mu.RUnlock()
		if r.HasCapability(name, attrs) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.capabilities.healthy_nodes", metric.WithDescription("Number of nodes with recent heartbeats"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("loqa.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var up, caps int64
		for _, node := range r.nodes {
			if node.Healthy {
				up++
			}
			caps += int64(len(node.Capabilities))
		}
		obs.ObserveInt64(nodes, int64(len(r.nodes)))
		obs.ObserveInt64(healthy, up)
		obs.ObserveInt64(total, caps)
		return nil
	}, nodes, healthy, total)
	return err
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: maps.Clone(c.Attributes),
		})
	}
	return result
}

// WithCapabilityFilter matches nodes advertising name whose attributes
// include every entry of attrs.
func WithCapabilityFilter(name string, attrs map[string]string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && hasAttributes(c.Attributes, attrs) {
				return true
			}
		}
		return false
	}
}

func hasAttributes(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
