// Package channel defines the latest-value topic contract the bridge protocol
// runs on.
//
// A Channel is a named topic with a retention window ("persistence"). Publish
// replaces the topic's value; Latest returns the newest value that is still
// retained, or waits for the next publish up to a bound. A persistence of 0
// means only readers already waiting at publish time observe the value.
//
// Transports (memory, redis, rabbitmq, mqtt, kafka) implement Transport and
// Channel. Typed wraps a Channel with a Codec, and Scope closes every channel
// acquired through it on all exit paths.
package channel
