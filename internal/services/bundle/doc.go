// Package bundle manages the local device's publishable key material and
// retrieves the bundles and device lists of other devices.
//
// It generates the signed pre-key and the one-time pre-key pool at bootstrap,
// tops the pool up after pre-keys are consumed, and moves bundles and device
// lists through a domain.PublishService using the legacy OMEMO node names.
package bundle
