package build

// Release settings for the binary. The vast majority of constants in the
// codebase that need to differ between testing and production builds go
// through build.Select so that tests can run with aggressive timings.
const (
	// Release is the current release mode. It is one of "dev", "standard",
	// or "testing". The test build tags override this value.
	Release = release

	// Version is the current version of slicenetd.
	Version = "0.3.1"
)

// BinaryName is the name of the compiled binary.
const BinaryName = "slicenetd"

// IssuesURL is where bug reports should be filed.
const IssuesURL = "https://gitlab.com/slicenetlabs/slicenetd/-/issues"

// GitRevision is set by the linker at build time.
var GitRevision string

// ReleaseTag is set by the linker for pre-release builds, e.g. "rc1".
var ReleaseTag string

// A Var represents a variable whose value depends on which Release mode the
// binary was built with.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
}

// Select returns the value of the Var that corresponds to the current
// Release mode.
func Select(v Var) interface{} {
	switch Release {
	case "standard":
		return v.Standard
	case "dev":
		return v.Dev
	case "testing":
		return v.Testing
	default:
		panic("unrecognized release constant in build.Select: " + Release)
	}
}
