// Package app wires application dependencies for the CLI.
//
// LoadConfig reads the configuration and NewWire builds the key store,
// relay client and Omemo instance from it, exposing them via the Wire
// struct for commands to use.
package app
