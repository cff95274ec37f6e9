package config

// VHostConfig describes a set of exchanges, queues and bindings to
// declare as soon as a connection opens. Used with WithTopology.
type VHostConfig struct {
	Name      string
	Exchanges []ExchangeConfig
	Queues    []QueueConfig
}

// ExchangeConfig defines configuration for an exchange
type ExchangeConfig struct {
	Name       string
	Type       string // "direct", "fanout", "topic", "headers"
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// QueueConfig defines configuration for a queue
type QueueConfig struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Bindings   map[string]bool // Exchange bindings: "exchangeName:routingKey" -> true
}
