//go:build !unix

package workspace

// lockDir is a no-op where flock is unavailable; the in-process keyed
// mutex still serializes callers within one process.
func lockDir(string) (func(), error) {
	return func() {}, nil
}
