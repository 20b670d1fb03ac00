// Package alerts publishes detection alerts and evidence fingerprints to
// an MQTT broker so external monitoring and chain-of-custody systems can
// subscribe without polling the node.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
)

// publishTimeout bounds each broker round trip.
const publishTimeout = 5 * time.Second

// Config holds MQTT broker settings.
type Config struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // topics are {prefix}/detections/{tag} and {prefix}/evidence/{tag}
}

// Publisher forwards engine events to MQTT topics.
type Publisher struct {
	client mqtt.Client
	prefix string
	log    *logging.Logger
}

// detectionMessage is the JSON published for each detection event.
type detectionMessage struct {
	EventID       string  `json:"event_id"`
	CameraIndex   int     `json:"camera_index"`
	CameraTag     string  `json:"camera_tag"`
	Timestamp     string  `json:"timestamp"`
	Count         int     `json:"count"`
	MaxConfidence float32 `json:"max_confidence"`
}

// evidenceMessage is the JSON published when an evidence container lands
// on disk. The sha256 is the payload fingerprint embedded in the
// container, suitable for anchoring in external custody logs.
type evidenceMessage struct {
	EventID         string `json:"event_id"`
	CameraTag       string `json:"camera_tag"`
	File            string `json:"file"`
	SHA256          string `json:"sha256"`
	FrameCount      int    `json:"frame_count"`
	TotalDetections int    `json:"total_detections"`
	StartTS         float64 `json:"start_ts"`
	EndTS           float64 `json:"end_ts"`
}

// NewPublisher connects to the broker.
func NewPublisher(cfg Config, log *logging.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(publishTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	log.Infof("MQTT alert publisher connected to %s", cfg.Broker)
	return &Publisher{client: client, prefix: cfg.TopicPrefix, log: log}, nil
}

// PublishDetection sends a detection alert.
func (p *Publisher) PublishDetection(ctx context.Context, ev engine.DetectionEvent) error {
	msg := detectionMessage{
		EventID:       uuid.New().String(),
		CameraIndex:   ev.CameraIndex,
		CameraTag:     ev.CameraTag,
		Timestamp:     ev.TS.UTC().Format(time.RFC3339Nano),
		Count:         ev.Count,
		MaxConfidence: ev.MaxConfidence,
	}
	topic := fmt.Sprintf("%s/detections/%s", p.prefix, ev.CameraTag)
	return p.publish(topic, msg)
}

// PublishEvidence sends an evidence fingerprint.
func (p *Publisher) PublishEvidence(ctx context.Context, ev engine.EvidenceEvent) error {
	msg := evidenceMessage{
		EventID:         uuid.New().String(),
		CameraTag:       ev.CameraTag,
		File:            ev.File,
		SHA256:          ev.SHA256,
		FrameCount:      ev.Meta.FrameCount,
		TotalDetections: ev.Meta.TotalDetections,
		StartTS:         ev.Meta.StartTS,
		EndTS:           ev.Meta.EndTS,
	}
	topic := fmt.Sprintf("%s/evidence/%s", p.prefix, ev.CameraTag)
	return p.publish(topic, msg)
}

// publish marshals and sends one message at QoS 1.
func (p *Publisher) publish(topic string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal mqtt message: %w", err)
	}
	token := p.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.log.Infof("MQTT alert publisher disconnected")
}
