package provision

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
)

// listen opens a throwaway TCP listener and returns its host and port.
func listen(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("opening listener: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	// Accept and hold connections so probes complete.
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				// Drain so a Redis PING does not error the client side
				// before our probe observes the TCP connect succeeding.
				buf := make([]byte, 64)
				conn.Read(buf) //nolint:errcheck // test listener
				conn.Close()
			}()
		}
	}()

	host, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding unused port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	l.Close()
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestEnsureQueueUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Host = "127.0.0.1"
	cfg.Queue.Port = unusedPort(t)

	p := NewExternal(cfg, logging.Default())
	err := p.Ensure(context.Background())
	if err == nil {
		t.Fatal("Ensure() = nil with no Redis listening, want error")
	}
	if !strings.Contains(err.Error(), "redis not reachable") {
		t.Errorf("Ensure() error = %v, want it to name redis", err)
	}
}

func TestEnsureBrokerUnreachable(t *testing.T) {
	// A plain TCP listener satisfies the Redis ping check only if it
	// speaks RESP, so this test exercises just the broker leg by
	// skipping the queue check through checkBroker directly.
	cfg := config.Default()
	cfg.MQTT.Broker.Host = "127.0.0.1"
	cfg.MQTT.Broker.Port = unusedPort(t)

	p := NewExternal(cfg, logging.Default())
	err := p.checkBroker(context.Background())
	if err == nil {
		t.Fatal("checkBroker() = nil with no broker listening, want error")
	}
	if !strings.Contains(err.Error(), "mqtt broker not reachable") {
		t.Errorf("checkBroker() error = %v, want it to name the broker", err)
	}
}

func TestCheckBrokerReachable(t *testing.T) {
	host, port := listen(t)

	cfg := config.Default()
	cfg.MQTT.Broker.Host = host
	cfg.MQTT.Broker.Port = port

	p := NewExternal(cfg, logging.Default())
	if err := p.checkBroker(context.Background()); err != nil {
		t.Errorf("checkBroker() error = %v, want nil for live listener", err)
	}
}
