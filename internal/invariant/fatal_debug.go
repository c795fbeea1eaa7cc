//go:build debug

package invariant

const fatalByDefault = true
