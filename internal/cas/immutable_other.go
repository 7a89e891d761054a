//go:build !linux

package cas

// setImmutable and clearImmutable are no-ops on platforms without a
// chattr(1)-style immutable inode flag (e.g. Darwin uses chflags(2)'s
// UF_IMMUTABLE instead; wiring that up is left to a platform-specific file
// the day this ships on macOS).
func setImmutable(path string) error { return nil }
func clearImmutable(path string)     {}
