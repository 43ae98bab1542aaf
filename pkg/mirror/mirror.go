// Package mirror republishes received STOMP messages to an MQTT broker.
package mirror

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/config"
	"github.com/denwilliams/go-stomp-console/pkg/metrics"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the mirror uses.
type publisher interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Mirror struct {
	config    config.MirrorConfig
	client    publisher
	newClient func(*mqtt.ClientOptions) publisher
	logger    *logrus.Entry
	mutex     sync.RWMutex
}

func New(cfg config.MirrorConfig, logger *logrus.Entry) *Mirror {
	if logger == nil {
		logger = logrus.WithField("pkg", "mirror")
	}

	return &Mirror{
		config: cfg,
		newClient: func(opts *mqtt.ClientOptions) publisher {
			return mqtt.NewClient(opts)
		},
		logger: logger,
	}
}

func (m *Mirror) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.Broker)
	opts.SetClientID(m.config.ClientID)

	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
	}
	if m.config.Password != "" {
		opts.SetPassword(m.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		m.logger.Infof("Connected to MQTT broker: %s", m.config.Broker)
		metrics.SetMirrorConnectionState(m.config.Broker, true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.WithError(err).Warn("MQTT connection lost, reconnecting")
		metrics.SetMirrorConnectionState(m.config.Broker, false)
	})
	return opts
}

// Connect starts the MQTT client. paho keeps retrying in the background,
// so Connect only fails on an invalid configuration.
func (m *Mirror) Connect() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.client != nil {
		return nil
	}

	m.logger.Infof("Connecting to MQTT broker: %s", m.config.Broker)
	client := m.newClient(m.options())

	token := client.Connect()
	// With connect retry enabled the token only completes once connected.
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to connect to MQTT broker")
	}

	m.client = client
	return nil
}

func (m *Mirror) Disconnect() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.client == nil {
		return
	}

	m.logger.Info("Disconnecting from MQTT broker")
	m.client.Disconnect(250)
	m.client = nil
	metrics.SetMirrorConnectionState(m.config.Broker, false)
}

func (m *Mirror) IsConnected() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.client != nil && m.client.IsConnectionOpen()
}

// Matches reports whether destination passes the include filter.
func (m *Mirror) Matches(destination string) bool {
	if len(m.config.Include) == 0 {
		return true
	}
	trimmed := strings.TrimPrefix(destination, "/")
	for _, pattern := range m.config.Include {
		if TopicMatches(strings.TrimPrefix(pattern, "/"), trimmed) {
			return true
		}
	}
	return false
}

// Publish republishes body under the topic derived from destination.
// Destinations outside the include filter are skipped.
func (m *Mirror) Publish(destination string, body []byte) error {
	if !m.Matches(destination) {
		return nil
	}

	m.mutex.RLock()
	client := m.client
	m.mutex.RUnlock()

	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	topic := TopicFor(m.config.TopicPrefix, destination)
	start := time.Now()

	token := client.Publish(topic, m.config.QoS, m.config.Retained, body)
	if !token.WaitTimeout(publishTimeout) {
		metrics.RecordMirrorPublishError(topic)
		return errors.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		metrics.RecordMirrorPublishError(topic)
		return errors.Wrapf(err, "failed to publish to topic %s", topic)
	}

	metrics.RecordMirrorPublish(topic, time.Since(start).Seconds())
	m.logger.Debugf("Mirrored %s to %s (%d bytes)", destination, topic, len(body))
	return nil
}

// TopicFor maps a STOMP destination onto an MQTT topic under prefix. The
// leading slash is trimmed and MQTT wildcard characters are replaced.
func TopicFor(prefix, destination string) string {
	topic := strings.TrimPrefix(destination, "/")
	topic = strings.NewReplacer("+", "_", "#", "_").Replace(topic)
	if prefix == "" {
		return topic
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + topic
}

// TopicMatches checks if a topic matches a pattern with MQTT wildcards
// Supports:
// + (single-level wildcard): matches exactly one level
// # (multi-level wildcard): matches zero or more levels (only at end)
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	return matchSegments(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

func matchSegments(patternSegments, topicSegments []string) bool {
	patternLen := len(patternSegments)
	topicLen := len(topicSegments)

	// # matches zero or more trailing levels
	if patternSegments[patternLen-1] == "#" {
		if topicLen < patternLen-1 {
			return false
		}
		for i := 0; i < patternLen-1; i++ {
			if patternSegments[i] != "+" && patternSegments[i] != topicSegments[i] {
				return false
			}
		}
		return true
	}

	if patternLen != topicLen {
		return false
	}

	for i := 0; i < patternLen; i++ {
		if patternSegments[i] != "+" && patternSegments[i] != topicSegments[i] {
			return false
		}
	}

	return true
}
