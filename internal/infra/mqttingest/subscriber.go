// Package mqttingest feeds battery reports published over MQTT into the
// metrics engine. Topics are <prefix>/<battery id>/cumulative and
// <prefix>/<battery id>/daily with a JSON BatteryReport payload.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Recorder is the part of the engine the subscriber writes to.
type Recorder interface {
	RecordCumulative(ctx context.Context, sourceID string, report domain.BatteryReport) (*domain.Aggregate, error)
	RecordDaily(ctx context.Context, sourceID string, report domain.BatteryReport) (*domain.Aggregate, error)
}

// Config holds the broker connection settings.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// handleTimeout bounds one engine call triggered by a message.
const handleTimeout = 10 * time.Second

// Subscriber owns the MQTT connection.
type Subscriber struct {
	cfg      Config
	recorder Recorder
	logger   *zap.Logger
	client   mqtt.Client
}

// New creates a Subscriber. Call Start to connect.
func New(cfg Config, recorder Recorder, logger *zap.Logger) *Subscriber {
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &Subscriber{cfg: cfg, recorder: recorder, logger: logger}
}

// Start connects to the broker and subscribes. Subscriptions are restored on reconnect.
func (s *Subscriber) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			if err := s.subscribe(c); err != nil {
				s.logger.Error("mqtt: subscribe failed", zap.Error(err))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("mqtt: connection lost", zap.Error(err))
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.cfg.BrokerURL, err)
	}
	s.logger.Info("mqtt: connected", zap.String("broker", s.cfg.BrokerURL), zap.String("topic", s.Topic()))
	return nil
}

// Topic is the wildcard subscription filter.
func (s *Subscriber) Topic() string {
	return s.cfg.TopicPrefix + "/+/+"
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.Topic(), s.cfg.QoS, s.HandleMessage)
	token.Wait()
	return token.Error()
}

// Connected reports the broker connection state. Used by the readiness probe.
func (s *Subscriber) Connected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// Stop disconnects, giving in-flight work a short grace period.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt: disconnected")
}

// HandleMessage routes one message to the engine. Bad topics and payloads
// are logged and dropped.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	sourceID, style, err := s.parseTopic(msg.Topic())
	if err != nil {
		s.logger.Warn("mqtt: ignoring message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	var report domain.BatteryReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		s.logger.Warn("mqtt: invalid payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch style {
	case domain.StyleCumulative:
		_, err = s.recorder.RecordCumulative(ctx, sourceID, report)
	case domain.StyleDaily:
		_, err = s.recorder.RecordDaily(ctx, sourceID, report)
	}
	if err != nil {
		var validation *domain.ErrValidation
		if errors.As(err, &validation) {
			s.logger.Warn("mqtt: report rejected", zap.String("battery_id", sourceID), zap.Error(err))
			return
		}
		s.logger.Error("mqtt: failed to record report", zap.String("battery_id", sourceID), zap.Error(err))
	}
}

// parseTopic splits <prefix>/<id>/<style>.
func (s *Subscriber) parseTopic(topic string) (string, domain.ReportStyle, error) {
	rest, ok := strings.CutPrefix(topic, s.cfg.TopicPrefix+"/")
	if !ok {
		return "", "", fmt.Errorf("topic outside prefix %q", s.cfg.TopicPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("expected <battery id>/<style>")
	}
	switch style := domain.ReportStyle(parts[1]); style {
	case domain.StyleCumulative, domain.StyleDaily:
		return parts[0], style, nil
	default:
		return "", "", fmt.Errorf("unknown report style %q", parts[1])
	}
}
