// Package migrate removes cache layouts left behind by earlier releases.
package migrate

import (
	"os"

	"github.com/spf13/afero"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
)

// RemoveLegacyCache deletes dir and everything below it when dir is a
// directory. It is best-effort: every error is ignored and the number of
// removed entries is returned.
func RemoveLegacyCache(fs afero.Fs, dir string) int {
	if dir == "" {
		return 0
	}
	if ok, _ := afero.IsDir(fs, dir); !ok {
		return 0
	}

	var paths []string
	afero.Walk(fs, dir, func(p string, _ os.FileInfo, err error) error {
		if err == nil {
			paths = append(paths, p)
		}
		return nil
	})

	// Walk yields parents before children; delete in reverse so directories
	// are empty by the time they are removed.
	removed := 0
	for i := len(paths) - 1; i >= 0; i-- {
		if err := fs.Remove(paths[i]); err == nil {
			removed++
		}
	}

	l := pkglog.L()
	l.Info().Str(pkglog.FieldPath, dir).Int("removed", removed).Msg("legacy avatar cache removed")
	return removed
}
