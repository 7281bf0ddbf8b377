package mqtt

import (
	"context"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout applies when the dial context has no deadline.
	defaultConnectTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// Options configure how the dialer reaches the broker.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// ClientFactory creates the underlying paho client.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// buildClientOptions creates paho options for one device link.
//
// Auto-reconnect stays off: reconnection is driven by the coordinator, and a
// lost connection must end the status stream so it notices.
func buildClientOptions(ctx context.Context, opts Options, address string) *pahomqtt.ClientOptions {
	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)

	// One client per device; brokers drop duplicate client ids.
	po.SetClientID(opts.ClientID + "-" + sanitizeClientID(address))

	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}

	po.SetCleanSession(true)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetKeepAlive(defaultKeepAlive)

	timeout := defaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	po.SetConnectTimeout(timeout)

	return po
}

func sanitizeClientID(address string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, address)
}
