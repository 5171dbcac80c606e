// Package health reports whether the pieces of a messaging client can do
// their work: the broker link, its circuit breaker and the channel groups.
package health
