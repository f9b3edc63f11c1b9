//go:build testing

package build

// Release is "testing" for any binary built with the 'testing' tag, which is
// how `go test` is invoked across this module.
const Release = "testing"

// DEBUG is always on under the 'testing' tag so that Critical converts
// invariant violations into test failures instead of silent log lines.
const DEBUG = true
