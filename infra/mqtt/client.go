package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker           string          `json:"broker"`
	ClientID         string          `json:"client_id"`
	Username         string          `json:"username"`
	Password         string          `json:"password"`
	UseTLS           bool            `json:"use_tls"`
	ClientCert       string          `json:"client_cert"`
	ClientKey        string          `json:"client_key"`
	CABundle         string          `json:"ca_bundle"`
	AuthMethod       string          `json:"auth_method"`
	QoS              map[string]byte `json:"qos"`
	DefaultQoS       byte            `json:"default_qos"`
	LWTTopic         string          `json:"lwt_topic"`
	LWTPayload       string          `json:"lwt_payload"`
	LWTQoS           byte            `json:"lwt_qos"`
	LWTRetain        bool            `json:"lwt_retain"`
	ConnectTimeoutMS int             `json:"connect_timeout_ms"`
	TLSConfig        *tls.Config     `json:"-"`
}

// SetDefaults fills unset fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.DefaultQoS == 0 {
		c.DefaultQoS = 1
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 5000
	}
}

// Validate checks the required connection fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("mqtt: client id is required")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// PahoClient implements broker.Broker on top of Eclipse Paho. Handlers
// registered with Subscribe survive reconnects: the OnConnect hook
// replays every subscription because the broker may have dropped the
// session while the client was away.
type PahoClient struct {
	cli    pahoClient
	qos    map[string]byte
	defQoS byte
	logger logger.Logger

	mu   sync.Mutex
	subs map[string]broker.MessageHandler

	onConnChange func(bool)
}

var _ broker.Broker = (*PahoClient)(nil)

// NewPahoClient connects to the MQTT broker. onConnChange, if non-nil,
// is invoked with true on every (re)connect and false on every loss.
func NewPahoClient(cfg Config, onConnChange func(bool)) (*PahoClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		qos:          cfg.QoS,
		defQoS:       cfg.DefaultQoS,
		logger:       log,
		subs:         make(map[string]broker.MessageHandler),
		onConnChange: onConnChange,
	}

	opts.OnConnect = func(_ paho.Client) {
		log.Infof("MQTT connected")
		pc.resubscribe()
		if pc.onConnChange != nil {
			pc.onConnChange(true)
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
		if pc.onConnChange != nil {
			pc.onConnChange(false)
		}
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond) {
		return nil, fmt.Errorf("mqtt: connect timed out: %w", broker.ErrUnavailable)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", token.Error())
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// qosFor resolves the QoS for a topic class ("notify", "ack", "deadletter").
func (p *PahoClient) qosFor(class string) byte {
	if q, ok := p.qos[class]; ok {
		return q
	}
	return p.defQoS
}

// resubscribe replays registered subscriptions after a reconnect. On the
// first connect the map is empty and pc.cli is not yet assigned.
func (p *PahoClient) resubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli == nil {
		return
	}
	for topic, handler := range p.subs {
		h := handler
		token := p.cli.Subscribe(topic, p.qosFor("ack"), func(_ paho.Client, msg paho.Message) {
			h(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			p.logger.Errorf("resubscribe %s: %v", topic, token.Error())
		}
	}
}

// Publish sends payload to topic, honoring context cancellation while
// waiting for broker acceptance.
func (p *PahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.cli.IsConnected() {
		return fmt.Errorf("publish %s: %w", topic, broker.ErrUnavailable)
	}
	token := p.cli.Publish(topic, p.qosFor("notify"), false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for the topic pattern and remembers it for
// replay after reconnects.
func (p *PahoClient) Subscribe(topic string, handler broker.MessageHandler) error {
	p.mu.Lock()
	p.subs[topic] = handler
	p.mu.Unlock()

	token := p.cli.Subscribe(topic, p.qosFor("ack"), func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *PahoClient) Close() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
