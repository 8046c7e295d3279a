//go:build !hotswap_debug

package barrier

const debugChecks = false
