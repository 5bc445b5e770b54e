// Package provision verifies the external services the bridge depends
// on before the main loop starts.
//
// The bridge assumes an externally managed Redis and MQTT broker
// (systemd units, containers, or a remote host). Provisioning here
// means checking they are reachable and failing fast with a precise
// error when they are not, instead of letting the first queue pop or
// broker dial produce a confusing one.
package provision

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
)

// dialTimeout bounds each reachability probe.
const dialTimeout = 5 * time.Second

// Provisioner ensures the services the bridge needs are available.
type Provisioner interface {
	// Ensure verifies service availability. It returns nil when the
	// bridge can proceed, or an error naming the unreachable service.
	Ensure(ctx context.Context) error
}

// External verifies externally managed services without starting or
// configuring anything itself.
type External struct {
	cfg *config.Config
	log *logging.Logger
}

// NewExternal creates a provisioner for externally managed services.
func NewExternal(cfg *config.Config, log *logging.Logger) *External {
	return &External{
		cfg: cfg,
		log: log.With("component", "provision"),
	}
}

// Ensure checks that Redis answers a ping and the MQTT broker accepts a
// TCP connection.
//
// The broker check is transport-level only: authentication and protocol
// negotiation belong to the connection manager, which has its own retry
// policy. A broker that accepts TCP but rejects credentials still
// passes here and surfaces through the manager's backoff instead.
func (e *External) Ensure(ctx context.Context) error {
	if err := e.checkQueue(ctx); err != nil {
		return err
	}
	if err := e.checkBroker(ctx); err != nil {
		return err
	}
	e.log.Info("external services reachable",
		"queue", fmt.Sprintf("%s:%d", e.cfg.Queue.Host, e.cfg.Queue.Port),
		"broker", fmt.Sprintf("%s:%d", e.cfg.MQTT.Broker.Host, e.cfg.MQTT.Broker.Port),
	)
	return nil
}

func (e *External) checkQueue(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(e.cfg.Queue.Host, fmt.Sprintf("%d", e.cfg.Queue.Port)),
		Password: e.cfg.Queue.Password,
		DB:       e.cfg.Queue.DB,
	})
	defer client.Close() //nolint:errcheck // probe client, nothing to recover

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis not reachable at %s:%d: %w", e.cfg.Queue.Host, e.cfg.Queue.Port, err)
	}
	return nil
}

func (e *External) checkBroker(ctx context.Context) error {
	addr := net.JoinHostPort(e.cfg.MQTT.Broker.Host, fmt.Sprintf("%d", e.cfg.MQTT.Broker.Port))

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mqtt broker not reachable at %s: %w", addr, err)
	}
	conn.Close() //nolint:errcheck // reachability probe only
	return nil
}
