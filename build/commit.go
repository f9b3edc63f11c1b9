package build

// GitRevision and BuildTime are set by linker flags at build time; both are
// empty in a plain `go build` or `go test` invocation.
var (
	// GitRevision is the commit hash this binary was built from.
	GitRevision string
	// BuildTime is when the build was produced.
	BuildTime string
)
