package config

import (
	"github.com/mikeyg42/motioncam/internal/notification"
	"github.com/mikeyg42/motioncam/internal/storage"
	"github.com/mikeyg42/motioncam/internal/watcher"
)

func (c *Config) retry() notification.RetryConfig {
	r := notification.DefaultRetryConfig()
	if c.Email.MaxAttempts > 0 {
		r.MaxAttempts = c.Email.MaxAttempts
	}
	if c.Email.RetryDelay > 0 {
		r.Delay = c.Email.RetryDelay
	}
	return r
}

// WatcherConfig returns the watcher section with the process-wide name filled in.
func (c *Config) WatcherConfig() watcher.Config {
	w := c.Watcher
	if w.SystemName == "" {
		w.SystemName = c.SystemName
	}
	return w
}

func (c *Config) SMTPConfig() notification.SMTPConfig {
	return notification.SMTPConfig{
		Host:       c.Email.Host,
		Port:       c.Email.Port,
		Sender:     c.Email.Sender,
		Recipient:  c.Email.Recipient,
		Password:   c.Email.Password,
		SystemName: c.SystemName,
		Retry:      c.retry(),
	}
}

func (c *Config) GmailConfig() notification.GmailConfig {
	return notification.GmailConfig{
		ClientID:     c.Email.Gmail.ClientID,
		ClientSecret: c.Email.Gmail.ClientSecret,
		TokenPath:    c.Email.Gmail.TokenPath,
		TokenKey:     c.Email.Gmail.TokenKey,
		Recipient:    c.Email.Recipient,
		Sender:       c.Email.Sender,
		SystemName:   c.SystemName,
		Retry:        c.retry(),
	}
}

// MQTTConfig returns false when no broker is configured.
func (c *Config) MQTTConfig() (notification.MQTTConfig, bool) {
	if c.MQTT.Broker == "" {
		return notification.MQTTConfig{}, false
	}
	return notification.MQTTConfig{
		Broker:   c.MQTT.Broker,
		Username: c.MQTT.Username,
		Password: c.MQTT.Password,
		Topic:    c.MQTT.Topic,
		QoS:      c.MQTT.QoS,
	}, true
}

func (c *Config) WebhookConfig() (notification.WebhookConfig, bool) {
	if c.Webhook.URL == "" {
		return notification.WebhookConfig{}, false
	}
	return notification.WebhookConfig{
		URL:     c.Webhook.URL,
		Token:   c.Webhook.Token,
		Timeout: c.Webhook.Timeout,
		Retry:   c.retry(),
	}, true
}

func (c *Config) MinIOConfig() (storage.MinIOConfig, bool) {
	if c.MinIO.Endpoint == "" {
		return storage.MinIOConfig{}, false
	}
	return storage.MinIOConfig{
		Endpoint:        c.MinIO.Endpoint,
		AccessKeyID:     c.MinIO.AccessKeyID,
		SecretAccessKey: c.MinIO.SecretAccessKey,
		UseSSL:          c.MinIO.UseSSL,
		Bucket:          c.MinIO.Bucket,
		Region:          c.MinIO.Region,
		Prefix:          c.MinIO.Prefix,
	}, true
}
