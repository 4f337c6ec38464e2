// Package transport provides the client-side transport pieces that sit
// around the consumed Transport contract: an in-process bus for tests and
// local development, a permission-checking decorator driven by a
// credential's subject patterns, and a DNS SRV resolver for discovering bus
// endpoints in deployments.
//
// The production bus connection itself is supplied by the embedding
// application; this package never implements the network protocol.
package transport
