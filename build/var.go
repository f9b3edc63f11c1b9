package build

import "reflect"

// A Var holds one value per Release: the config knobs this cache tunes
// differently between a real build, a dev build, and `go test`. Every field
// must be set, and the Dev and Testing values must be assignable to the type
// of the Standard value.
type Var struct {
	Standard interface{}
	Dev      interface{}
	Testing  interface{}
}

// Select picks the field of v matching the current Release.
func Select(v Var) interface{} {
	if v.Standard == nil || v.Dev == nil || v.Testing == nil {
		panic("nil value in build variable")
	}
	st, dt, tt := reflect.TypeOf(v.Standard), reflect.TypeOf(v.Dev), reflect.TypeOf(v.Testing)
	// AssignableTo rather than ConvertibleTo, because a type assertion on the
	// result only succeeds for assignable types.
	if !dt.AssignableTo(st) || !tt.AssignableTo(st) {
		panic("build variables must have a single type")
	}
	switch Release {
	case "standard":
		return v.Standard
	case "dev":
		return v.Dev
	case "testing":
		return v.Testing
	default:
		panic("unrecognized Release: " + Release)
	}
}
