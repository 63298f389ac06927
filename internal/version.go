// Package internal holds build-time metadata.
package internal

// Version is the build version, overridden at build time with
// -ldflags "-X github.com/aionpay/relayer/internal.Version=v1.2.3".
var Version = "dev"
