package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix namespaces the mirrored events on NATS.
const SubjectPrefix = "tradecore.events."

// NATSBridge mirrors bus events to NATS subjects so external consumers
// (dashboards, alerting) can follow along without linking the core.
type NATSBridge struct {
	nc     *nats.Conn
	cancel func()
	done   chan struct{}
	log    zerolog.Logger
}

// NewNATSBridge connects to NATS and starts forwarding every bus event
// to SubjectPrefix + event type.
func NewNATSBridge(url string, b *Bus, logger zerolog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("tradecore"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	events, cancel := b.Subscribe(256)
	bridge := &NATSBridge{
		nc:     nc,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger,
	}

	go bridge.forward(events)

	logger.Info().Str("url", url).Msg("NATS event bridge started")
	return bridge, nil
}

func (br *NATSBridge) forward(events <-chan Event) {
	defer close(br.done)
	for evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			br.log.Error().Err(err).Str("type", string(evt.Type)).Msg("Event marshal failed")
			continue
		}
		if err := br.nc.Publish(SubjectPrefix+string(evt.Type), payload); err != nil {
			br.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("NATS publish failed")
		}
	}
}

// Close detaches from the bus, flushes and closes the connection.
func (br *NATSBridge) Close() {
	br.cancel()
	<-br.done
	br.nc.Flush()
	br.nc.Close()
}

// StartEmbeddedServer runs an in-process NATS server, used in
// single-binary deployments and tests. Port -1 picks a free port.
func StartEmbeddedServer(port int) (*server.Server, error) {
	srv, err := server.NewServer(&server.Options{
		Host:  "127.0.0.1",
		Port:  port,
		NoLog: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}
	return srv, nil
}
