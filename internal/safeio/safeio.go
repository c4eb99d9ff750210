// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures. WriteFile is
// this module's one way of persisting small, whole-file state to disk -
// authadapter/staticauth's user database, internal/securitylevel's
// downgrade-attack cache, and relay.Queue's on-disk message items all go
// through it rather than each rolling their own temp-file dance.
package safeio

import (
	"os"
	"path"
	"syscall"
)

// FileOp runs against the temporary file's path after its contents are
// written but before it replaces filename. WriteFile aborts - removing the
// temporary file and leaving the original untouched - if any op returns an
// error; securitylevel uses this to validate the temp file decodes as the
// format it expects before it becomes the file other processes will read.
type FileOp func(tmpPath string) error

// WriteFile writes data to a file named by filename, atomically.
// It's a wrapper to os.WriteFile, but provides atomicity (and increased
// safety) by writing to a temporary file and renaming it at the end.
//
// Note this relies on same-directory Rename being atomic, which holds in most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	// Note we create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic.
	// We make the file names start with "." so there's no confusion with the
	// originals.
	tmpf, err := os.CreateTemp(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	for _, op := range ops {
		if err := op(tmpf.Name()); err != nil {
			os.Remove(tmpf.Name())
			return err
		}
	}

	return os.Rename(tmpf.Name(), filename)
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
