package monitor

// Binding is a binding as reported by the management API
type Binding struct {
	Source          string                 `json:"source"`
	Vhost           string                 `json:"vhost"`
	Destination     string                 `json:"destination"`
	DestinationType string                 `json:"destination_type"`
	RoutingKey      string                 `json:"routing_key"`
	PropertiesKey   string                 `json:"properties_key"`
	Arguments       map[string]interface{} `json:"arguments"`
}

// QueueInfo represents information about a RabbitMQ queue
type QueueInfo struct {
	Name            string       `json:"name"`
	Vhost           string       `json:"vhost"`
	Messages        int          `json:"messages"`
	MessagesReady   int          `json:"messages_ready"`
	MessagesUnacked int          `json:"messages_unacknowledged"`
	Consumers       int          `json:"consumers"`
	Memory          int64        `json:"memory"`
	State           string       `json:"state"`
	Durable         bool         `json:"durable"`
	AutoDelete      bool         `json:"auto_delete"`
	Exclusive       bool         `json:"exclusive"`
	MessageStats    MessageStats `json:"message_stats"`
}

// MessageRate returns the publish rate in messages per second
func (q QueueInfo) MessageRate() float64 {
	return q.MessageStats.PublishDetails.Rate
}

// ExchangeInfo represents information about a RabbitMQ exchange
type ExchangeInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Internal   bool   `json:"internal"`
	Vhost      string `json:"vhost"`
}

// Overview represents broker overview information
type Overview struct {
	ManagementVersion string       `json:"management_version"`
	RabbitMQVersion   string       `json:"rabbitmq_version"`
	ErlangVersion     string       `json:"erlang_version"`
	ClusterName       string       `json:"cluster_name"`
	Node              string       `json:"node"`
	MessageStats      MessageStats `json:"message_stats"`
	QueueTotals       QueueTotals  `json:"queue_totals"`
	ObjectTotals      ObjectTotals `json:"object_totals"`
}

// MessageStats represents message statistics
type MessageStats struct {
	PublishTotal      int     `json:"publish"`
	PublishDetails    Details `json:"publish_details"`
	DeliverGetTotal   int     `json:"deliver_get"`
	DeliverGetDetails Details `json:"deliver_get_details"`
}

// QueueTotals represents queue totals
type QueueTotals struct {
	Messages        int `json:"messages"`
	MessagesReady   int `json:"messages_ready"`
	MessagesUnacked int `json:"messages_unacknowledged"`
}

// ObjectTotals represents object totals
type ObjectTotals struct {
	Consumers   int `json:"consumers"`
	Queues      int `json:"queues"`
	Exchanges   int `json:"exchanges"`
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// Details represents rate details
type Details struct {
	Rate float64 `json:"rate"`
}
