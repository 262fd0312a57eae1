package lazfs

import (
	"os"
	"path/filepath"
	"strings"
)

// fullPath resolves a logical path from an upcall against the backing
// root.
func (fs *FS) fullPath(name string) string {
	return filepath.Join(fs.root, name)
}

// isSyntheticLas reports whether full names a synthetic `.las` file: the
// suffix matches and the literal path does not exist in the backing
// store. A real `.las` next to its `.laz` therefore shadows the hook.
func isSyntheticLas(full string) bool {
	if !strings.HasSuffix(full, ".las") {
		return false
	}
	_, err := os.Lstat(full)
	return err != nil
}

// toBacking turns a `.las` path into its `.laz` counterpart.
func toBacking(lasPath string) string {
	return lasPath[:len(lasPath)-1] + "z"
}

// toSynthetic turns a `.laz` name into the `.las` name offered by
// readdir.
func toSynthetic(lazName string) string {
	return lazName[:len(lazName)-1] + "s"
}

// targetPath returns the path that metadata operations on name should
// act on: the `.laz` for synthetic paths, the path itself otherwise.
func (fs *FS) targetPath(name string) string {
	full := fs.fullPath(name)
	if isSyntheticLas(full) {
		return toBacking(full)
	}
	return full
}
