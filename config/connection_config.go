package config

import (
	"strconv"
	"time"
)

// ConnectionConfig carries everything needed to dial and negotiate an
// AMQP connection: the pieces a connection string or a YAML profile both
// resolve to.
type ConnectionConfig struct {
	Host     string
	Port     int
	VHost    string
	Username string
	Password string
	Locale   string

	Heartbeat  uint16
	ChannelMax uint16
	FrameMax   uint32

	ConnectionTimeout time.Duration

	TLS *TLSConfig
}

// TLSConfig configures the amqps:// transport.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CertFile           string
	KeyFile            string
	CAFile             string
}

// DefaultConnectionConfig mirrors the defaults RabbitMQ's own clients use.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:              "localhost",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		Locale:            "en_US",
		Heartbeat:         600,
		ChannelMax:        65535,
		FrameMax:          131072,
		ConnectionTimeout: 3 * time.Second,
	}
}

// Address returns the host:port pair Dial should connect to.
func (c ConnectionConfig) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}
