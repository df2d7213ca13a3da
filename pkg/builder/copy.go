package builder

import (
	"os"

	"github.com/otiai10/copy"
)

// copyTree copies the directory src into dst, leaving out the
// repository metadata. Symlinks are copied as symlinks.
func copyTree(src, dst string) error {
	return copy.Copy(src, dst, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Shallow },
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			return info.IsDir() && info.Name() == ".git", nil
		},
	})
}
