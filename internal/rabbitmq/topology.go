package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/msgbus-go/messaging"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the set of broker objects a channel group relies on
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// GroupTopology describes the input queue of a channel group together with
// its dead-letter and poison exchanges. Each of those exchanges is a durable
// fanout with a queue of the same name bound to it.
func GroupTopology(config messaging.ChannelGroupConfig) Topology {
	var t Topology

	if !config.DispatchOnly && config.InputQueue != "" {
		t.Queues = append(t.Queues, QueueDeclaration{Name: config.InputQueue, Durable: true})
	}

	for _, exchange := range []string{config.DeadLetterAddress, config.PoisonMessageAddress} {
		if exchange == "" || t.hasExchange(exchange) {
			continue
		}
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: exchange, Type: amqp.ExchangeFanout, Durable: true})
		t.Queues = append(t.Queues, QueueDeclaration{Name: exchange, Durable: true})
		t.Bindings = append(t.Bindings, Binding{Queue: exchange, Exchange: exchange})
	}

	return t
}

func (t Topology) hasExchange(name string) bool {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Declare declares exchanges, then queues, then bindings on model
func (t Topology) Declare(model Model) error {
	for _, exchange := range t.Exchanges {
		if err := model.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Err: err}
		}
	}

	for _, queue := range t.Queues {
		if _, err := model.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Err: err}
		}
	}

	for _, binding := range t.Bindings {
		if err := model.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Err: err}
		}
	}

	return nil
}
