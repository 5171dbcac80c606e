// Package messaging is the transport-agnostic core of the bus.
//
// It defines the Channel, DeliveryContext, Transaction and Connector
// contracts a transport implements, and builds the runtime on top of them:
//   - WorkerGroup: a fixed pool of workers, each owning one channel, with a
//     shared bounded work queue and generation-tagged reconnects
//   - DefaultChannelGroup: one receive worker group and one dispatch worker
//     group per configured channel group
//   - Host: owns every channel group produced by a set of connectors
//   - RoutingTable: routes each payload to its handlers by exact runtime type
//   - DependencyResolverChannel: scopes a nested resolver to every delivery
//
// Example usage:
//
//	host, err := messaging.NewHost(messaging.NewDefaultChannelGroupFactory(), []messaging.Connector{connector})
//	if err != nil {
//		return err
//	}
//	if err := host.Initialize(ctx); err != nil {
//		return err
//	}
//	table := messaging.NewRoutingTable()
//	messaging.AddHandler(table, messaging.HandlerFunc[*OrderPlaced](handleOrder), messaging.DefaultSequence)
//	return host.BeginReceive(table.Receive)
package messaging
