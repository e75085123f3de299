//go:build windows

package safepath

// openNoFollow is a no-op on Windows: os.Lstat above already rejects reparse
// points tagged as symlinks, and syscall.O_NOFOLLOW has no Windows analogue.
func openNoFollow(path string) error {
	return nil
}
