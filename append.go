package bag

import (
	"os"

	"github.com/pkg/errors"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
)

// openAppend implements Open(path, ModeAppend) (spec.md §4.6): run the
// V2.0 open path so connections_, chunks_, and connection_indexes_ are
// fully rebuilt, then physically truncate the stale tail index region
// (it is about to be rewritten at close) and resume writing from there.
// From this point on, Write behaves exactly as in Write mode except
// existing connection ids are reused and the revision counter starts
// non-zero.
func (b *Bag) openAppend() error {
	if err := b.acquireLock(); err != nil {
		return err
	}
	cf, err := chunkedfile.Open(b.path, chunkedfile.ModeAppend)
	if err != nil {
		return errReport("bag: open append", errors.Wrap(err, "bag: opening file"))
	}
	b.cf = cf

	if err := b.detectVersionAndLoadIndex(); err != nil {
		return err
	}
	if b.majorVersion != 2 {
		return errReport("bag: open append", UsageError("bag: append requires a V2.0 bag"))
	}

	if err := os.Truncate(b.path, int64(b.indexPos)); err != nil {
		return errReport("bag: open append", errors.Wrap(err, "bag: truncating stale index region"))
	}
	if err := b.cf.Seek(int64(b.indexPos)); err != nil {
		return errReport("bag: open append", err)
	}
	b.revision = 1
	return nil
}
