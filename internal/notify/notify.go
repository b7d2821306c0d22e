// Package notify delivers operator notifications by email, webhook or file.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"stateguard/internal/logging"
)

// Severity of a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is a single notification
type Message struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	// Recipients overrides the configured email recipients when set
	Recipients []string               `json:"recipients,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Notifier sends notifications
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Config holds configuration for notifications
type Config struct {
	Enabled   bool            `mapstructure:"enabled" yaml:"enabled"`
	Email     *EmailConfig    `mapstructure:"email" yaml:"email,omitempty"`
	Webhook   *WebhookConfig  `mapstructure:"webhook" yaml:"webhook,omitempty"`
	File      *FileConfig     `mapstructure:"file" yaml:"file,omitempty"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// EmailConfig for email notifications
type EmailConfig struct {
	SMTPHost string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// FileConfig appends notifications to a local file
type FileConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// RateLimitConfig prevents notification spam
type RateLimitConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour" yaml:"max_per_hour"`
	Burst      int `mapstructure:"burst" yaml:"burst"`
}

// Channel is one delivery method
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
}

// Manager fans a message out to every configured channel
type Manager struct {
	logger   *logging.Logger
	enabled  bool
	channels []Channel

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewManager creates a notification manager from configuration
func NewManager(logger *logging.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	m := &Manager{logger: logger, enabled: cfg.Enabled}
	if cfg.Email != nil && cfg.Email.SMTPHost != "" {
		m.channels = append(m.channels, NewEmailChannel(*cfg.Email))
	}
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		m.channels = append(m.channels, NewWebhookChannel(*cfg.Webhook))
	}
	if cfg.File != nil && cfg.File.Path != "" {
		m.channels = append(m.channels, NewFileChannel(*cfg.File))
	}

	if cfg.RateLimit.MaxPerHour > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RateLimit.MaxPerHour)), burst)
	}
	return m
}

// NewManagerWithChannels builds an enabled manager over explicit channels
func NewManagerWithChannels(logger *logging.Logger, limiter *rate.Limiter, channels ...Channel) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{logger: logger, enabled: true, channels: channels, limiter: limiter}
}

// Notify sends msg through all channels. It fails only when every channel fails.
func (m *Manager) Notify(ctx context.Context, msg Message) error {
	if !m.enabled || len(m.channels) == 0 {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Severity == "" {
		msg.Severity = SeverityInfo
	}

	if !m.allow() {
		m.logger.WithFields(map[string]interface{}{"subject": msg.Subject}).
			Warn("Notification rate limit exceeded, skipping")
		return nil
	}

	var errs []string
	sent := 0
	for _, channel := range m.channels {
		if err := channel.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", channel.Type(), err))
			m.logger.WithFields(map[string]interface{}{
				"channel": channel.Type(),
				"subject": msg.Subject,
				"error":   err.Error(),
			}).Error("Failed to send notification")
			continue
		}
		sent++
		m.logger.WithFields(map[string]interface{}{
			"channel": channel.Type(),
			"subject": msg.Subject,
		}).Debug("Notification sent")
	}

	if sent == 0 && len(errs) > 0 {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) allow() bool {
	if m.limiter == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiter.Allow()
}

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel implements email notifications over SMTP
type EmailChannel struct {
	config   EmailConfig
	sendMail SendMailFunc
}

// NewEmailChannel creates a new email notification channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	return &EmailChannel{config: config, sendMail: smtp.SendMail}
}

// Send sends an email notification
func (ec *EmailChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	to := msg.Recipients
	if len(to) == 0 {
		to = ec.config.To
	}
	if ec.config.SMTPHost == "" || len(to) == 0 {
		return fmt.Errorf("email configuration incomplete")
	}

	from := ec.config.From
	if from == "" {
		from = ec.config.Username
	}

	body := fmt.Sprintf("%s\r\n\r\nSeverity: %s\r\nTime: %s\r\n\r\nThis is an automated message from stateguard.\r\n",
		msg.Body, msg.Severity, msg.Timestamp.Format(time.RFC3339))
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ","), msg.Subject, body)

	var auth smtp.Auth
	if ec.config.Username != "" {
		auth = smtp.PlainAuth("", ec.config.Username, ec.config.Password, ec.config.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", ec.config.SMTPHost, ec.config.SMTPPort)

	if err := ec.sendMail(addr, auth, from, to, []byte(raw)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Type returns the channel type
func (ec *EmailChannel) Type() string { return "email" }

// WebhookChannel posts notifications as JSON
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{config: config, client: &http.Client{Timeout: timeout}}
}

// Send sends a webhook notification
func (wc *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if wc.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, wc.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Type returns the channel type
func (wc *WebhookChannel) Type() string { return "webhook" }

// FileChannel appends notifications to a file
type FileChannel struct {
	config FileConfig
	mu     sync.Mutex
}

// NewFileChannel creates a new file notification channel
func NewFileChannel(config FileConfig) *FileChannel {
	return &FileChannel{config: config}
}

// Send writes a notification to the file
func (fc *FileChannel) Send(_ context.Context, msg Message) error {
	var content string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		content = string(data) + "\n"
	default:
		content = fmt.Sprintf("[%s] %s - %s: %s\n",
			msg.Timestamp.Format(time.RFC3339), msg.Severity, msg.Subject, strings.ReplaceAll(msg.Body, "\n", " "))
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Type returns the channel type
func (fc *FileChannel) Type() string { return "file" }
