// Package contracts provides the message shapes that flow through a channel.
//
// A ChannelMessage is the logical message: an identifier assigned once at
// construction, a correlation identifier, an optional return address, headers,
// an expiration and an ordered list of payloads. A ChannelEnvelope pairs a
// ChannelMessage with the addresses it should be delivered to.
//
// Three addresses are reserved and resolved by the transport rather than
// parsed: LoopbackAddress, DeadLetterAddress and PoisonMessageAddress.
package contracts
