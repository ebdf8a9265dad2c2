// Package relay provides the HTTP relay used between devices: a client that
// implements domain.PublishService and domain.Mailbox, and the in-memory
// server behind cmd/relay.
//
// Routes:
//
//	PUT    /pubsub/{owner}/{node}/items/{item}   publish (raw body)
//	GET    /pubsub/{owner}/{node}/items          list items (JSON)
//	DELETE /pubsub/{owner}/{node}                delete node
//	POST   /msg/{user}/{device}                  queue a delivery
//	GET    /msg/{user}/{device}?limit=N          read the queue
//	POST   /msg/{user}/{device}/ack              drop delivered ids
//
// Non-2xx statuses are returned as errors with the HTTP method, path, and
// status text to aid diagnostics.
package relay
