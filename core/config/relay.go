package config

// RelayConfig carries this module's four configuration keys (§6.4):
// broker connection string, worker pool bound, call-chain tracking depth,
// and the RPC exchange name.
type RelayConfig struct {
	// AMQPURI names the broker connection string. Despite the env var
	// name (kept for wire/config compatibility with the spec's naming),
	// it is broker-agnostic: it may be a redis:// or postgres:// URL. This
	// package does not interpret it.
	AMQPURI string `env:"AMQP_URI,required"`

	// MaxWorkers bounds the number of concurrently in-flight workers per
	// container.
	MaxWorkers int `env:"MAX_WORKERS" envDefault:"10"`

	// ParentCallsTracked bounds how many ancestor call IDs are kept on the
	// call ID stack.
	ParentCallsTracked int `env:"PARENT_CALLS_TRACKED" envDefault:"10"`

	// RPCExchange names the topic exchange RPC requests and replies are
	// published on.
	RPCExchange string `env:"RPC_EXCHANGE" envDefault:"relay-rpc"`
}
