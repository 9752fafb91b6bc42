package vfs

import (
	"context"

	"github.com/hupe1980/phonefs/notify"
)

func (fs *Filesystem) Stat(ctx context.Context, p string, st *Stat) error {
	t, err := fs.lookup(ctx, "stat", p)
	if err != nil {
		return err
	}
	if err := t.drv.Stat(t.mp, t.rel, st); err != nil {
		return pathErr("stat", t.abs, err)
	}
	maskReadOnly(t.mp, st)
	return nil
}

// writable resolves p for an operation that changes the volume.
func (fs *Filesystem) writable(ctx context.Context, op, p string) (target, error) {
	t, err := fs.lookup(ctx, op, p)
	if err != nil {
		return target{}, err
	}
	if t.readOnly() {
		return target{}, pathErr(op, t.abs, ErrReadOnly)
	}
	return t, nil
}

func (fs *Filesystem) Mkdir(ctx context.Context, p string, mode uint32) error {
	t, err := fs.writable(ctx, "mkdir", p)
	if err != nil {
		return err
	}
	if err := t.drv.Mkdir(t.mp, t.rel, mode&ModePerm); err != nil {
		return pathErr("mkdir", t.abs, err)
	}
	fs.notifier.Notify(t.abs, "", notify.EventCreate)
	return nil
}

func (fs *Filesystem) Rmdir(ctx context.Context, p string) error {
	t, err := fs.writable(ctx, "rmdir", p)
	if err != nil {
		return err
	}
	if t.rel == "/" {
		return pathErr("rmdir", t.abs, ErrBusy)
	}
	if err := t.drv.Rmdir(t.mp, t.rel); err != nil {
		return pathErr("rmdir", t.abs, err)
	}
	fs.notifier.Notify(t.abs, "", notify.EventDelete)
	return nil
}

func (fs *Filesystem) Unlink(ctx context.Context, p string) error {
	t, err := fs.writable(ctx, "unlink", p)
	if err != nil {
		return err
	}
	if err := t.drv.Unlink(t.mp, t.rel); err != nil {
		return pathErr("unlink", t.abs, err)
	}
	fs.notifier.Notify(t.abs, "", notify.EventDelete)
	return nil
}

// Rename moves oldPath to newPath. Both must be on the same volume.
func (fs *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	from, err := fs.writable(ctx, "rename", oldPath)
	if err != nil {
		return err
	}
	to, err := fs.lookup(ctx, "rename", newPath)
	if err != nil {
		return err
	}
	if from.mp != to.mp {
		return pathErr("rename", to.abs, ErrCrossDevice)
	}
	if err := from.drv.Rename(from.mp, from.rel, to.rel); err != nil {
		return pathErr("rename", from.abs, err)
	}
	fs.notifier.Notify(to.abs, from.abs, notify.EventMove)
	return nil
}

func (fs *Filesystem) Chmod(ctx context.Context, p string, mode uint32) error {
	t, err := fs.writable(ctx, "chmod", p)
	if err != nil {
		return err
	}
	if err := t.drv.Chmod(t.mp, t.rel, mode&ModePerm); err != nil {
		return pathErr("chmod", t.abs, err)
	}
	fs.notifier.Notify(t.abs, "", notify.EventAttrib)
	return nil
}

// Link creates a hard link. None of the bundled drivers support it.
func (fs *Filesystem) Link(ctx context.Context, oldPath, newPath string) error {
	from, err := fs.writable(ctx, "link", oldPath)
	if err != nil {
		return err
	}
	to, err := fs.lookup(ctx, "link", newPath)
	if err != nil {
		return err
	}
	if from.mp != to.mp {
		return pathErr("link", to.abs, ErrCrossDevice)
	}
	if err := from.drv.Link(from.mp, from.rel, to.rel); err != nil {
		return pathErr("link", to.abs, err)
	}
	fs.notifier.Notify(to.abs, "", notify.EventCreate)
	return nil
}

// Symlink creates linkPath pointing at target. target is stored verbatim.
func (fs *Filesystem) Symlink(ctx context.Context, target, linkPath string) error {
	t, err := fs.writable(ctx, "symlink", linkPath)
	if err != nil {
		return err
	}
	if err := t.drv.Symlink(t.mp, target, t.rel); err != nil {
		return pathErr("symlink", t.abs, err)
	}
	fs.notifier.Notify(t.abs, "", notify.EventCreate)
	return nil
}

// StatVFS describes the volume holding p.
func (fs *Filesystem) StatVFS(ctx context.Context, p string, st *StatFS) error {
	t, err := fs.lookup(ctx, "statvfs", p)
	if err != nil {
		return err
	}
	if err := t.drv.StatVFS(t.mp, t.rel, st); err != nil {
		return pathErr("statvfs", t.abs, err)
	}
	st.Flags = t.mp.base().Flags()
	return nil
}
