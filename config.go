package relay

import (
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/mailchannels/relay/backends"
)

// AppConfig is the holder of the configuration of the relay
type AppConfig struct {
	// Hostname is the relay's identity: it greets with it, stamps it into
	// Received headers and uses it as the EHLO argument when delivering
	Hostname string `json:"host_name"`
	// ListenInterface is the address the SMTP listener binds to
	ListenInterface string `json:"listen_interface"`
	// Timeout in seconds for each network read or write
	Timeout int `json:"timeout"`
	// MaxClients caps concurrently served connections
	MaxClients int `json:"max_clients"`
	// SendInterval in seconds between sender loop cycles
	SendInterval int `json:"send_interval"`
	// ConfirmFrom is the address confirmation mail is sent from; defaults to
	// noreply@Hostname
	ConfirmFrom string `json:"confirm_from"`
	// ReleaseLink is the base link embedded in confirmation mail
	ReleaseLink string `json:"release_link"`
	LogFile     string `json:"log_file"`
	LogLevel    string `json:"log_level"`
	// Backend configures the queue store
	Backend backends.Config `json:"backend_config"`
}

const (
	defaultInterface    = "[::]:2525"
	defaultTimeout      = 30
	defaultMaxClients   = 100
	defaultSendInterval = 5
)

// Load reads the config from a JSON file and fills in defaults
func (c *AppConfig) Load(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.setDefaults()
	return nil
}

func (c *AppConfig) setDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost.localdomain"
	}
	if c.ListenInterface == "" {
		c.ListenInterface = defaultInterface
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxClients == 0 {
		c.MaxClients = defaultMaxClients
	}
	if c.SendInterval == 0 {
		c.SendInterval = defaultSendInterval
	}
	if c.ConfirmFrom == "" {
		c.ConfirmFrom = "noreply@" + c.Hostname
	}
	if c.LogFile == "" {
		c.LogFile = "stderr"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// EmitChangeEvents compares to an old config and publishes change events for
// the settings that can be applied to a running relay
func (c *AppConfig) EmitChangeEvents(old *AppConfig, app *App) {
	if old.LogFile != c.LogFile {
		app.Publish(EventConfigLogFile, c)
	}
	if old.LogLevel != c.LogLevel {
		app.Publish(EventConfigLogLevel, c)
	}
}

func (c *AppConfig) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *AppConfig) sendInterval() time.Duration {
	return time.Duration(c.SendInterval) * time.Second
}
