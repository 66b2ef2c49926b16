// Package memory provides an in-process transport for tests and
// single-process deployments. It supports fault injection: failing
// publishes, duplicate delivery and interception of published envelopes.
package memory

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

// Transport pairs a request broker with a response broker
type Transport struct {
	Requests  *Broker[*contracts.RequestEnvelope]
	Responses *Broker[*contracts.ResponseEnvelope]
}

// NewTransport creates a transport with empty brokers
func NewTransport() *Transport {
	return &Transport{
		Requests:  NewBroker[*contracts.RequestEnvelope](),
		Responses: NewBroker[*contracts.ResponseEnvelope](),
	}
}

// RequestProducer implements messaging.Transport
func (t *Transport) RequestProducer() (messaging.RequestProducer, error) {
	return t.Requests.Producer(""), nil
}

// RequestConsumer implements messaging.Transport
func (t *Transport) RequestConsumer(_ context.Context, address string) (messaging.RequestConsumer, error) {
	return t.Requests.Consumer(address), nil
}

// ResponseProducer implements messaging.Transport
func (t *Transport) ResponseProducer() (messaging.ResponseProducer, error) {
	return t.Responses.Producer(""), nil
}

// ResponseConsumer implements messaging.Transport
func (t *Transport) ResponseConsumer(_ context.Context, address string) (messaging.ResponseConsumer, error) {
	return t.Responses.Consumer(address), nil
}

// Close closes both brokers
func (t *Transport) Close() error {
	_ = t.Requests.Close()
	return t.Responses.Close()
}

var _ messaging.Transport = (*Transport)(nil)
