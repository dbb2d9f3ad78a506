//go:build !unix

package statestore

// lockFile is a no-op where flock is unavailable; the in-process mutex still
// serialises updates.
func lockFile(string) (func() error, error) {
	return func() error { return nil }, nil
}
