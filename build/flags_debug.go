//go:build debug && !testing

package build

// Release is "dev" for debug builds that are not also test binaries.
const Release = "dev"

// DEBUG is on whenever the 'debug' build tag is supplied.
const DEBUG = true
