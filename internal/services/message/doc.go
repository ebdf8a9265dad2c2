// Package message sends and receives encrypted messages over a mailbox.
//
// It glues the Omemo instance to the relay: envelopes are serialised with
// the envelope codec and queued per recipient account.
package message
