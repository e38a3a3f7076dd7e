// Package engine wires components C1 through C10 into a single runnable
// Broker, the composition root a real `cmd/broker` binary drives.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftmq/broker/internal/auth"
	"github.com/driftmq/broker/internal/brokererr"
	"github.com/driftmq/broker/internal/cluster"
	"github.com/driftmq/broker/internal/config"
	"github.com/driftmq/broker/internal/connmgr"
	"github.com/driftmq/broker/internal/keepalive"
	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/metadata"
	"github.com/driftmq/broker/internal/metrics"
	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/pump"
	"github.com/driftmq/broker/internal/qos"
	"github.com/driftmq/broker/internal/storage"
	"github.com/driftmq/broker/internal/subscribe"
)

// Broker is the composition root: one instance per broker process, owning
// every component's lifetime.
type Broker struct {
	logger *slog.Logger
	cfg    *config.BrokerConfig

	Storage     storage.Adapter
	Metadata    *metadata.Cache
	Retained    *message.RetainedStore
	Subs        *subscribe.Manager
	QoSRegistry *qos.Registry
	Conns       *connmgr.Manager
	Users       *cluster.UserStore
	Raft        *cluster.Node
	Auth        *auth.Pipeline
	Metrics     *metrics.Registry

	heartbeat *keepalive.Manager
	sweeper   *keepalive.Sweeper
	gc        *pump.GC

	stop chan struct{}
}

// New builds a Broker from cfg without starting any background loop; call
// Start to begin accepting heartbeats, sweeping, and pumping. logger may be
// nil, defaulting to a discarding handler the same way the teacher's
// options.go does.
func New(cfg *config.BrokerConfig, logger *slog.Logger, promReg prometheus.Registerer) (*Broker, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	var adapter storage.Adapter
	switch cfg.StorageKind {
	case "bbolt":
		b, err := storage.OpenBoltAdapter(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("engine: open bbolt storage: %w", err)
		}
		adapter = b
	default:
		adapter = storage.NewMemoryAdapter()
	}

	users, err := cluster.OpenUserStore(cfg.RaftDataDir+"/users.db", cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("engine: open user store: %w", err)
	}

	fsm := cluster.NewFSM(users)
	node, err := cluster.Bootstrap(cluster.NodeConfig{
		DataDir:  cfg.RaftDataDir,
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftBindAddr,
	}, fsm)
	if err != nil {
		return nil, fmt.Errorf("engine: bootstrap raft node: %w", err)
	}

	metaCache := metadata.NewCache(metadata.ClusterConfig{
		HeartbeatTimeoutMs:   cfg.HeartbeatTimeoutMs,
		HeartbeatCheckTimeMs: cfg.HeartbeatCheckTimeMs,
		MaxPacketSize:        cfg.MaxPacketSize,
		MaxQoS:               cfg.ClusterMaxQoS,
		SecretFreeLogin:      cfg.SecretFreeLogin,
	})

	authPipeline := auth.NewPipeline(&auth.Plaintext{Users: users}, cfg.SecretFreeLogin)
	subsMgr := subscribe.NewManager(subscribe.LocalLeaderResolver{}, subscribe.NoopForwarder{})
	retained := message.NewRetainedStore()
	qosRegistry := qos.NewRegistry()
	connMgr := connmgr.NewManager()
	metricsReg := metrics.NewRegistry(promReg)

	b := &Broker{
		logger:      logger,
		cfg:         cfg,
		Storage:     adapter,
		Metadata:    metaCache,
		Retained:    retained,
		Subs:        subsMgr,
		QoSRegistry: qosRegistry,
		Conns:       connMgr,
		Users:       users,
		Raft:        node,
		Auth:        authPipeline,
		Metrics:     metricsReg,
		stop:        make(chan struct{}),
	}

	b.heartbeat = keepalive.NewManager(32)
	b.sweeper = keepalive.NewSweeper(b.heartbeat, b, metricsReg, time.Duration(cfg.HeartbeatCheckTimeMs)*time.Millisecond, cfg.HeartbeatGraceFactor)

	deps := pump.Deps{
		Storage:       adapter,
		Ledgers:       qosRegistry,
		Sender:        connMgr,
		Conns:         metaCache,
		AckTimeout:    time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
		MaxAckRetries: cfg.MaxAckRetries,
		ClusterMaxQoS: func() uint8 { return metaCache.Config().MaxQoS },
		Metrics:       metricsReg,
	}
	b.gc = pump.NewGC(subsMgr, deps, retained, b.stop, func(err error) {
		logger.Warn("pump error", "err", err)
	})
	b.gc.Interval = time.Duration(cfg.GCIntervalMs) * time.Millisecond

	return b, nil
}

// Start launches the sweeper and lifecycle GC loops. It returns
// immediately; both loops run until Shutdown (or ctx cancellation) stops
// them.
func (b *Broker) Start(ctx context.Context) {
	go b.sweeper.Run(ctx, b.stop)
	go b.gc.Run(ctx)
}

// Shutdown stops every background loop and closes owned resources,
// draining connections first so in-flight pumps observe a clean stop
// signal before the connection manager tears down their sockets.
func (b *Broker) Shutdown() error {
	close(b.stop)
	b.Conns.StopAll()
	if err := b.Raft.Shutdown(); err != nil {
		b.logger.Warn("raft shutdown", "err", err)
	}
	return b.Users.Close()
}

// RouteMQTT4 and RouteMQTT5 implement keepalive.RequestRouter, delivering a
// sweeper-built DISCONNECT over the live connection.
func (b *Broker) RouteMQTT4(connectionID string, pkt *packets.DisconnectPacket) error {
	return b.Conns.Send(connectionID, pkt)
}

func (b *Broker) RouteMQTT5(connectionID string, pkt *packets.DisconnectPacket) error {
	return b.Conns.Send(connectionID, pkt)
}

// Authenticate runs a CONNECT's credentials through the auth pipeline.
func (b *Broker) Authenticate(login auth.Login) (bool, error) {
	return b.Auth.Authenticate(login)
}

// RegisterConnection adopts a fresh net-level connection under clientID,
// binds it into the metadata cache and heartbeat table, and returns its
// connection_id.
func (b *Broker) RegisterConnection(netConn net.Conn, clientID string, protocol subscribe.Protocol, keepAliveSecs uint16) string {
	connID := b.Conns.Register(netConn, clientID, uint8(protocol))
	now := time.Now()

	b.Metadata.RebindConnection(clientID, connID)
	b.Metadata.PutConnection(metadata.Connection{
		ConnectionID:  connID,
		ClientID:      clientID,
		ProtocolVer:   uint8(protocol),
		MaxPacketSize: b.Metadata.Config().MaxPacketSize,
		KeepAliveSecs: keepAliveSecs,
		LastHeartbeat: now,
	})
	b.heartbeat.Register(keepalive.Entry{
		ConnectionID:  connID,
		ClientID:      clientID,
		Protocol:      protocol,
		KeepAliveSecs: keepAliveSecs,
		LastSeen:      now,
	})
	b.Metrics.ConnectionsCurrent.Set(float64(b.Conns.Count()))
	return connID
}

// UnregisterConnection tears down a connection's tracked state and signals
// its pkid ledger to release any in-flight waiters.
func (b *Broker) UnregisterConnection(clientID, connectionID string) {
	b.Conns.Unregister(connectionID)
	b.Metadata.DeleteConnection(connectionID)
	b.heartbeat.Unregister(connectionID)
	b.QoSRegistry.Disconnect(clientID)
	b.Metrics.ConnectionsCurrent.Set(float64(b.Conns.Count()))
}

// Touch records a heartbeat for connectionID, used by ingress handlers on
// every inbound packet per spec.md §4.3.
func (b *Broker) Touch(connectionID string) {
	now := time.Now()
	b.Metadata.Touch(connectionID, now)
	b.heartbeat.Touch(connectionID, now)
}

// Publish appends msg to topicID's log, the single entry point every pump
// reads from. No size check is made against a connection's max_packet_size,
// here, in the ingress path (which reads packets up to the MQTT spec
// maximum), or in the pumps that deliver the message.
func (b *Broker) Publish(ctx context.Context, topicID string, msg *message.Message) error {
	buf, err := message.EncodeRecord(msg)
	if err != nil {
		return fmt.Errorf("engine: encode record: %w", err)
	}
	// Record topicID as a concrete topic so the lifecycle GC can resolve
	// any wildcard exclusive/shared filter against it on the next tick.
	b.Subs.RegisterTopic(topicID)
	if err := b.Storage.Append(topicID, [][]byte{buf}); err != nil {
		return brokererr.New(brokererr.ErrStorage, msg.ClientID, topicID, 0, err)
	}
	if msg.Retain {
		b.Retained.Put(msg)
	}
	return nil
}

// Subscribe classifies filters for clientID and replays retained messages
// for any newly-created subscription, per spec.md §4.7.
func (b *Broker) Subscribe(protocol subscribe.Protocol, clientID, topicName string, filters []subscribe.FilterSpec) error {
	if err := b.Subs.ParseSubscribe(protocol, clientID, topicName, filters); err != nil {
		return err
	}

	deps := pump.Deps{
		Storage:       b.Storage,
		Ledgers:       b.QoSRegistry,
		Sender:        b.Conns,
		Conns:         b.Metadata,
		AckTimeout:    time.Duration(b.cfg.AckTimeoutMs) * time.Millisecond,
		MaxAckRetries: b.cfg.MaxAckRetries,
		ClusterMaxQoS: func() uint8 { return b.Metadata.Config().MaxQoS },
		Metrics:       b.Metrics,
	}
	for _, f := range filters {
		sub := subscribe.Subscriber{
			ClientID:          clientID,
			SubscriptionID:    f.SubscriptionID,
			FilterPath:        f.Filter,
			QoS:               f.QoS,
			NoLocal:           f.NoLocal,
			PreserveRetain:    f.PreserveRetain,
			RetainForwardRule: f.RetainForwardRule,
			Protocol:          protocol,
		}
		pump.DispatchRetained(context.Background(), deps, b.Retained, sub, true, func(err error) {
			b.logger.Warn("retained dispatch error", "client_id", clientID, "filter", f.Filter, "err", err)
		})
	}
	return nil
}

// Unsubscribe removes clientID's subscriptions for filters.
func (b *Broker) Unsubscribe(clientID string, filters []string) {
	b.Subs.RemoveSubscribe(clientID, filters)
}
