package outbox

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher delivers intents over a NATS connection. Delivery failures
// surface to the outbox retry loop; the connection itself reconnects.
type NATSPublisher struct {
	conn *nats.Conn
}

// ConnectNATS dials the given NATS URL with reconnect enabled.
func ConnectNATS(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close flushes and drains the connection.
func (p *NATSPublisher) Close() {
	p.conn.Drain()
}
