// Package blink is an embeddable real-time publish/subscribe broker.
// Authenticated clients hold long-lived connections and join logical
// groups; publishers send events into a group tagged with required
// capability tags, and the broker delivers each event only to members
// whose tag set satisfies the requirement, optionally waiting for a
// per-recipient acknowledgment.
//
// The durable store is Redis; the physical transport and the
// authenticator are pluggable collaborators (see the transport and auth
// packages). Hosts construct a Server, bind their transport's connection
// events to Server.Handler(), and publish through Server.Send.
package blink
