// Package rabbitmq implements the reliability core of a channel over AMQP 0-9-1.
//
// This package includes:
//   - Channel: one logical link to the broker; decides the fate of every
//     received frame (delivered, retried, dead-lettered or quarantined)
//   - Transaction: the unit of work for one delivery, committed or rolled
//     back against the channel it was created on
//   - Subscription: pulls frames off the input queue with a bounded wait and
//     serves locally retried frames first
//   - MessageAdapter: translates frames to and from ChannelMessage
//   - ConnectionManager: dials the broker and opens AMQP channels, redialing
//     lazily after the connection drops
//   - Topology helpers declaring the input queue and quarantine exchanges
package rabbitmq
