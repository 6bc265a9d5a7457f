package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// publisher is the subset of mqtt.Client used by MQTTSink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MQTTConfig configures NewMQTTSink.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTTSink publishes each result as JSON to {prefix}/{lat}/{lon}.
type MQTTSink struct {
	client      publisher
	topicPrefix string
	qos         byte
	timeout     time.Duration
}

type mqttMessage struct {
	Coordinate models.Coordinate `json:"coordinate"`
	Data       []mqttPoint       `json:"data"`
}

type mqttPoint struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "weather-history-service"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeoutOrDefault(cfg.Timeout)) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client publisher, cfg MQTTConfig) *MQTTSink {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "weather/history"
	}
	return &MQTTSink{client: client, topicPrefix: prefix, qos: cfg.QoS, timeout: timeoutOrDefault(cfg.Timeout)}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Write implements Sink.
func (s *MQTTSink) Write(ctx context.Context, data models.WeatherData) error {
	msg := mqttMessage{Coordinate: data.Coordinate, Data: make([]mqttPoint, 0, len(data.Data))}
	for _, p := range data.Data {
		msg.Data = append(msg.Data, mqttPoint{Timestamp: p.Timestamp.UTC().Format(time.RFC3339), Temperature: p.Temperature})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal history message: %w", err)
	}

	topic := fmt.Sprintf("%s/%.2f/%.2f", s.topicPrefix, data.Coordinate.Latitude, data.Coordinate.Longitude)
	token := s.client.Publish(topic, s.qos, false, payload)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("failed to publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Ping reports whether the broker connection is open. Used for health checks.
func (s *MQTTSink) Ping(ctx context.Context) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt connection is not open")
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
