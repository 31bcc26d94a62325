// Package mqtt connects BirdTag to an MQTT broker: object-created
// notifications arrive on the ingest topic and finished detections are
// published on the detection topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdtag/birdtag/internal/config"
	"github.com/birdtag/birdtag/internal/model"
)

var (
	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "birdtag_mqtt_connected",
		Help: "1 while connected to the MQTT broker",
	})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birdtag_mqtt_messages_total",
		Help: "MQTT messages by direction and result",
	}, []string{"direction", "result"})
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	IngestTopic    string
	DetectionTopic string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// ConfigFrom maps application config onto client config.
func ConfigFrom(c *config.Config) Config {
	qos := c.MQTTQoS
	if qos < 0 || qos > 2 {
		qos = 1
	}
	return Config{
		Broker:         c.MQTTBroker,
		ClientID:       c.MQTTClientID,
		Username:       c.MQTTUsername,
		Password:       c.MQTTPassword,
		IngestTopic:    c.MQTTIngestTopic,
		DetectionTopic: c.MQTTDetectionTopic,
		QoS:            byte(qos),
		Retain:         c.MQTTRetain,
		ConnectTimeout: 30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// Handler processes one message payload.
type Handler func(ctx context.Context, payload []byte)

type subscription struct {
	ctx     context.Context
	handler Handler
}

type Client struct {
	cfg       Config
	newClient func(*paho.ClientOptions) paho.Client
	log       *slog.Logger

	mu     sync.Mutex
	client paho.Client
	subs   map[string]subscription
}

func New(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		newClient: paho.NewClient,
		log:       slog.Default().With("component", "mqtt"),
		subs:      map[string]subscription{},
	}
}

// Connect dials the broker. Subscriptions are restored on every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := c.newClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		connected.Set(0)
	}
}

// Subscribe registers handler for topic. Handlers run concurrently with
// ctx as their base context.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{ctx: ctx, handler: handler}
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		// onConnect subscribes once the connection is up.
		return nil
	}
	return c.subscribe(ctx, client, topic, handler)
}

func (c *Client) subscribe(ctx context.Context, client paho.Client, topic string, handler Handler) error {
	token := client.Subscribe(topic, c.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		messagesTotal.WithLabelValues("in", "received").Inc()
		handler(ctx, msg.Payload())
	})
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	c.log.Info("subscribed", "topic", topic, "qos", c.cfg.QoS)
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		messagesTotal.WithLabelValues("out", "error").Inc()
		return ErrNotConnected
	}

	token := client.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	if err := wait(ctx, token, c.cfg.PublishTimeout); err != nil {
		messagesTotal.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	messagesTotal.WithLabelValues("out", "sent").Inc()
	return nil
}

// DetectionMessage is the payload published for every detected record.
type DetectionMessage struct {
	RecordID         string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	ObjectKey        string         `json:"objectKey"`
	FileType         model.FileType `json:"fileType"`
	Species          []string       `json:"species"`
	DerivedAssetPath string         `json:"derivedAssetPath,omitempty"`
	DetectedAt       time.Time      `json:"detectedAt"`
}

// PublishDetection announces a detected record on the detection topic.
func (c *Client) PublishDetection(ctx context.Context, rec *model.MediaRecord) error {
	species := []string(rec.DetectedSpecies)
	if species == nil {
		species = []string{}
	}
	payload, err := json.Marshal(DetectionMessage{
		RecordID:         rec.ID,
		OwnerID:          rec.OwnerID,
		ObjectKey:        rec.ObjectKey,
		FileType:         rec.FileType,
		Species:          species,
		DerivedAssetPath: rec.DerivedPath(),
		DetectedAt:       rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode detection message: %w", err)
	}
	return c.Publish(ctx, c.cfg.DetectionTopic, payload)
}

func (c *Client) onConnect(client paho.Client) {
	connected.Set(1)
	c.log.Info("connected to MQTT broker", "broker", c.cfg.Broker)

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := c.subscribe(s.ctx, client, topic, s.handler); err != nil {
			c.log.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	connected.Set(0)
	c.log.Warn("connection to MQTT broker lost", "broker", c.cfg.Broker, "error", err)
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
