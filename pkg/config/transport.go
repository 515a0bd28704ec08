package config

// TransportConfig describes the in-process transport.
// Example YAML:
//
//	transport:
//	  listeners: ["inproc://echo", "inproc://metrics"]
//	  inbox_size: 64
//	  connect_timeout_ms: 2000
//	  layer_codec: cbor   # cbor | json | proto
type TransportConfig struct {
	Listeners        []string `mapstructure:"listeners"`
	InboxSize        int      `mapstructure:"inbox_size"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
	LayerCodec       string   `mapstructure:"layer_codec"`
}
