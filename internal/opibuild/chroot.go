package opibuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// chrootMounts are the pseudo-filesystems a working chroot needs, in mount
// order. The scope unwinds them in reverse.
var chrootMounts = []struct {
	fstype string
	source string
	target string
}{
	{"proc", "proc", "proc"},
	{"sysfs", "sysfs", "sys"},
	{"devtmpfs", "devtmpfs", "dev"},
	{"devpts", "devpts", "dev/pts"},
	{"tmpfs", "tmpfs", "run"},
}

// Chroot runs commands inside a root filesystem with the standard pseudo
// filesystems mounted for the duration of the session.
type Chroot struct {
	Root string

	exec  *Executor
	log   *Logger
	scope *ResourceScope
}

// EnterChroot prepares rootfs for command execution: pseudo-filesystems are
// mounted and the host resolv.conf is copied in so networked commands work.
// Callers must Close the returned chroot on every path.
func EnterChroot(ctx context.Context, exec *Executor, log *Logger, rootfs string) (*Chroot, *ErrorContext) {
	if fi, err := os.Stat(rootfs); err != nil || !fi.IsDir() {
		return nil, Errorf(PreconditionMissing, "rootfs directory %s does not exist", rootfs)
	}

	scope := NewResourceScope(exec, log)
	ch := &Chroot{Root: rootfs, exec: exec, log: log, scope: scope}

	for _, m := range chrootMounts {
		target := filepath.Join(rootfs, m.target)
		if _, ec := scope.Mount(ctx, m.source, target, "-t", m.fstype); ec != nil {
			scope.ReleaseAll()
			return nil, ec
		}
	}
	scope.Track(ResourceChroot, rootfs, func() error { return nil })

	if err := copyResolvConf(rootfs); err != nil {
		log.Warnf("", "could not stage resolv.conf into chroot: %v", err)
	}
	return ch, nil
}

// Run executes a shell script inside the chroot.
func (c *Chroot) Run(ctx context.Context, script string, echo bool) *ErrorContext {
	cmd := Command{
		Program: "chroot",
		Args:    []string{c.Root, "/bin/bash", "-c", script},
		Env: []string{
			"DEBIAN_FRONTEND=noninteractive",
			"LC_ALL=C",
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
	}
	if ec := c.exec.Run(ctx, cmd, echo); ec != nil {
		return ec
	}
	return nil
}

// Close unmounts the chroot's pseudo-filesystems in reverse order.
func (c *Chroot) Close() *ErrorContext {
	return c.scope.ReleaseAll()
}

func copyResolvConf(rootfs string) error {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return err
	}
	dst := filepath.Join(rootfs, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	// resolv.conf may be a dangling symlink inside a fresh rootfs.
	os.Remove(dst)
	return os.WriteFile(dst, []byte(strings.TrimSpace(string(data))+"\n"), 0644)
}
