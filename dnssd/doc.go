// Package dnssd makes the receiver discoverable by publishing a _raop._tcp
// service over multicast DNS.
//
// The receiver core depends only on the Advertiser interface. Registration
// failures are reported to the caller and never affect sessions, and
// Unregister always succeeds.
package dnssd
