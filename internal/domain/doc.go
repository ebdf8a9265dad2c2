// Package domain defines the data model and contracts shared by the
// encryption core: addresses, trust levels, key material, bundles, envelopes
// and the interfaces of the pluggable parts (ratchet sessions, the publish
// service and the key/value backend).
//
// It contains plain types and interfaces only.
package domain
