package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/khairulanwarjo/gestella/internal/buildinfo"
	"github.com/khairulanwarjo/gestella/internal/config"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

// UsageSource supplies the usage-derived sensors. *usage.Store
// implements it.
type UsageSource interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	LastActivity(ctx context.Context) (time.Time, error)
}

// Publisher manages the MQTT connection, publishes discovery configs
// on (re-)connect, and pushes sensor states on an interval.
type Publisher struct {
	cfg          config.MQTTConfig
	instanceID   string
	device       DeviceInfo
	usage        UsageSource
	defaultModel string
	loc          *time.Location
	now          func() time.Time
	logger       *slog.Logger
	cm           *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Daily totals roll over
// at midnight in loc.
func New(cfg config.MQTTConfig, instanceID string, src UsageSource, defaultModel string, loc *time.Location, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Publisher{
		cfg:          cfg,
		instanceID:   instanceID,
		device:       NewDeviceInfo(instanceID, cfg.DeviceName),
		usage:        src,
		defaultModel: defaultModel,
		loc:          loc,
		now:          time.Now,
		logger:       logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "gestella-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "gestella/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	specs := []struct {
		entity, label, icon, unit, stateClass, deviceClass, category string
	}{
		{entity: "uptime", label: "Uptime", icon: "mdi:clock-outline", category: "diagnostic"},
		{entity: "version", label: "Version", icon: "mdi:tag", category: "diagnostic"},
		{entity: "turns_today", label: "Turns Today", icon: "mdi:chat-processing", stateClass: "total_increasing"},
		{entity: "tokens_today", label: "Tokens Today", icon: "mdi:counter", unit: "tokens", stateClass: "total_increasing"},
		{entity: "last_turn", label: "Last Turn", icon: "mdi:clock-check", deviceClass: "timestamp"},
		{entity: "default_model", label: "Default Model", icon: "mdi:brain", category: "diagnostic"},
	}

	defs := make([]sensorDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, sensorDef{
			entity: s.entity,
			config: SensorConfig{
				Name:              s.label,
				ObjectID:          s.entity,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + s.entity,
				StateTopic:        p.stateTopic(s.entity),
				AvailabilityTopic: p.availabilityTopic(),
				Device:            p.device,
				Icon:              s.icon,
				UnitOfMeasurement: s.unit,
				StateClass:        s.stateClass,
				DeviceClass:       s.deviceClass,
				EntityCategory:    s.category,
			},
		})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states computes the current sensor values. Usage lookups that fail
// leave their sensors out of the update rather than reporting zeros.
func (p *Publisher) states(ctx context.Context) map[string]string {
	states := map[string]string{
		"uptime":        buildinfo.Uptime().Truncate(time.Second).String(),
		"version":       buildinfo.Version,
		"default_model": p.defaultModel,
	}
	if p.usage == nil {
		return states
	}

	start, end := usage.DayBounds(p.now(), p.loc)
	if sum, err := p.usage.Summary(ctx, start, end); err != nil {
		p.logger.Debug("mqtt usage summary failed", "error", err)
	} else {
		states["turns_today"] = strconv.Itoa(sum.TotalTurns)
		states["tokens_today"] = strconv.FormatInt(sum.TotalInputTokens+sum.TotalOutputTokens, 10)
	}

	if last, err := p.usage.LastActivity(ctx); err != nil {
		p.logger.Debug("mqtt last activity failed", "error", err)
	} else if last.IsZero() {
		states["last_turn"] = "unknown"
	} else {
		states["last_turn"] = last.UTC().Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
