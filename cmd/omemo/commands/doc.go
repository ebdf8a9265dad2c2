// Package commands defines the omemo CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the local identity and publish the bundle
//   - fingerprint    Print the local fingerprint, or a device's
//   - devices        List an account's devices with trust and fingerprint
//   - trust          Set, enable or disable a device
//   - send           Encrypt and send a message
//   - recv           Fetch and decrypt queued messages
//
// # Implementation
//
// The root command loads the configuration (file, OMEMO_* environment,
// flags) and builds the dependency graph before any subcommand runs.
// Subcommands that talk to peers start the Omemo instance first, which
// republishes the bundle and the device id.
package commands
