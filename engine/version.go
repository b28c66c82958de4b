package engine

// version is fixed at build time and constant for the process lifetime.
const version = "0.4.0"

// Version returns the library version identifier. It never allocates per
// call and is safe for concurrent use.
func Version() string {
	return "qmdb-go/" + version
}
