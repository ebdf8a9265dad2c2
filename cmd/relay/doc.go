// Package main runs the in-memory HTTP relay used during development and
// tests. It serves as the publish service for device lists and bundles and
// queues encrypted envelopes for recipients until they fetch them.
//
// HTTP API
//
//	PUT /pubsub/{owner}/{node}/items/{item}
//	    Store the request body as item {item} of {owner}'s node {node},
//	    replacing an item with the same id.
//
//	GET /pubsub/{owner}/{node}/items
//	    Return the node's items as JSON [{"id", "payload"}].
//
//	DELETE /pubsub/{owner}/{node}
//	    Remove the node.
//
//	POST /msg/{user}/{device}  {"from", "data"}
//	    Enqueue an envelope for device {device} of {user}; the response
//	    carries its id.
//
//	GET /msg/{user}/{device}?limit=N
//	    Return up to N queued deliveries for that device, oldest first.
//
//	POST /msg/{user}/{device}/ack  {"ids": [...]}
//	    Drop the named deliveries from that device's queue. Other devices
//	    of the same account keep their own copies.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - The owner named in a path is trusted; there is no authentication.
//   - The default listen address is :8080.
//
// The relay never sees plaintext or private keys; it only stores ciphertext
// and public bundles.
package main
