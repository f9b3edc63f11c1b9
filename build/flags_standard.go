//go:build !testing && !dev && !debug

package build

// Release is the build variant. Defaults to "standard" unless a 'testing',
// 'dev', or 'debug' build tag is supplied.
const Release = "standard"

// DEBUG controls whether Critical and Severe panic in addition to logging.
const DEBUG = false
