package nfiq2

// Collect exposes collect to the external test package.
func Collect(raw *RawResults) ([]NamedValue, []NamedValue, error) {
	return collect(raw, defaultMaxNameLen)
}

// Releasable exposes the block sanitising done before a native free.
func Releasable(raw RawResults) RawResults {
	return raw.releasable()
}
