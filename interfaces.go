package mimamori

import "context"

// Agent receives messages the coordinator forwards to it. Registered with
// WithAgent. HandleMessage runs on the coordinator's drain goroutine; an
// error or panic is recorded and the drain moves on.
type Agent interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// PatternReceiver is implemented by agents that want every accepted learning
// pattern. An Agent passed to WithAgent that also implements PatternReceiver
// is subscribed automatically.
type PatternReceiver interface {
	ReceivePattern(ctx context.Context, p Pattern) error
}

// HealthFunc reports the health of one component. It is polled every health
// check interval; an error marks the component unhealthy.
type HealthFunc func(ctx context.Context) (HealthStatus, error)

// MetricsFunc produces the metrics of one component. It is polled every
// collection interval.
type MetricsFunc func(ctx context.Context) ([]Metric, error)
