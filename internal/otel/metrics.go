package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	ActiveConnections metric.Int64UpDownCounter
	AdmissionRejects  metric.Int64Counter
	EnvelopesIn       metric.Int64Counter
	EnvelopeErrors    metric.Int64Counter
	Publishes         metric.Int64Counter
	PublishErrors     metric.Int64Counter
	PublishDuration   metric.Float64Histogram
	DirectSends       metric.Int64Counter
	SweptConnections  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveConnections, err = meter.Int64UpDownCounter("relay.connections.active",
		metric.WithDescription("Currently open WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("relay.admission.rejects",
		metric.WithDescription("Connections rejected by admission control"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesIn, err = meter.Int64Counter("relay.envelopes.in",
		metric.WithDescription("Inbound envelopes accepted from clients"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopeErrors, err = meter.Int64Counter("relay.envelopes.errors",
		metric.WithDescription("Inbound frames rejected as unparseable or invalid"),
	)
	if err != nil {
		return nil, err
	}

	m.Publishes, err = meter.Int64Counter("relay.bus.publishes",
		metric.WithDescription("Messages published on the channel bus"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishErrors, err = meter.Int64Counter("relay.bus.publish_errors",
		metric.WithDescription("Channel bus publish failures"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram("relay.bus.publish_duration",
		metric.WithDescription("Channel bus publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DirectSends, err = meter.Int64Counter("relay.sends.direct",
		metric.WithDescription("Direct server-push writes to a single connection"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptConnections, err = meter.Int64Counter("relay.connections.swept",
		metric.WithDescription("Idle connections force-closed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
