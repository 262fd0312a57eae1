package lazfs

import (
	"io/ioutil"
	"log"
	"os"

	"golang.org/x/xerrors"
)

// prepareTmp opens (or, with flags < 0, creates with mode) the
// compressed backing file and pairs it with a uniquely named scratch
// file under the scratch directory. On failure every partially acquired
// resource is released.
func (fs *FS) prepareTmp(backingPath string, flags int, mode os.FileMode) (backing, scratch *os.File, scratchPath string, err error) {
	if flags < 0 {
		backing, err = os.OpenFile(backingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	} else {
		backing, err = os.OpenFile(backingPath, flags, 0)
	}
	if err != nil {
		return nil, nil, "", err
	}
	scratch, err = ioutil.TempFile(fs.scratchDir, "lazfs.*.las")
	if err != nil {
		backing.Close()
		return nil, nil, "", xerrors.Errorf("scratch file: %w", err)
	}
	return backing, scratch, scratch.Name(), nil
}

// finishTmp releases what prepareTmp acquired: both descriptors are
// closed and the scratch file is unlinked. Close failures on owned
// descriptors are bugs.
func finishTmp(scratchPath string, backing, scratch *os.File) {
	if err := backing.Close(); err != nil {
		panic("lazfs: closing backing descriptor: " + err.Error())
	}
	if err := scratch.Close(); err != nil {
		panic("lazfs: closing scratch descriptor: " + err.Error())
	}
	if err := os.Remove(scratchPath); err != nil {
		log.Printf("removing scratch file: %v", err)
	}
}
