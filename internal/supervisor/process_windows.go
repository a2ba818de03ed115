//go:build windows

package supervisor

// PTYSpawner is unavailable on Windows; inject a Spawner instead.
func PTYSpawner(SpawnSpec) (Process, error) {
	return nil, ErrPTYUnsupported
}
