// Package websub holds the state machines of a WebSub hub: subscriptions
// and their intent verification, fetched contents and the per-subscriber
// deliveries that distribute them.
//
// https://www.w3.org/TR/websub/
package websub
