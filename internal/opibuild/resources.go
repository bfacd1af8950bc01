package opibuild

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// ResourceKind tags what a managed resource is, for logging and teardown
// diagnostics.
type ResourceKind int

const (
	ResourceDir ResourceKind = iota
	ResourceLoopDevice
	ResourceMount
	ResourceChroot
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceDir:
		return "dir"
	case ResourceLoopDevice:
		return "loop"
	case ResourceMount:
		return "mount"
	case ResourceChroot:
		return "chroot"
	default:
		return "resource"
	}
}

// ManagedResource is one acquired resource plus the action that releases
// it. Release is idempotent.
type ManagedResource struct {
	Kind       ResourceKind
	Handle     string
	AcquiredAt time.Time

	release  func() error
	released bool
}

// Release runs the teardown action once. Later calls are no-ops.
func (r *ManagedResource) Release() error {
	if r.released || r.release == nil {
		return nil
	}
	r.released = true
	return r.release()
}

// ResourceScope tracks acquired resources and releases them in reverse
// acquisition order. It mirrors how mounts must come off a chroot: last
// mounted, first unmounted.
type ResourceScope struct {
	exec      *Executor
	log       *Logger
	resources []*ManagedResource
}

// NewResourceScope returns an empty scope using exec for teardown commands.
func NewResourceScope(exec *Executor, log *Logger) *ResourceScope {
	return &ResourceScope{exec: exec, log: log}
}

// Track registers an externally acquired resource with a custom release
// action. Resources registered later are released earlier.
func (s *ResourceScope) Track(kind ResourceKind, handle string, release func() error) *ManagedResource {
	r := &ManagedResource{
		Kind:       kind,
		Handle:     handle,
		AcquiredAt: time.Now(),
		release:    release,
	}
	s.resources = append(s.resources, r)
	return r
}

// Dir creates path (and parents) and registers it for removal. Creating a
// directory that already exists is fine; it is still registered so the
// scope owns its cleanup.
func (s *ResourceScope) Dir(path string, keep bool) (*ManagedResource, *ErrorContext) {
	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) {
			return nil, Errorf(PermissionDenied, "cannot create directory %s: %v", path, err)
		}
		return nil, Errorf(ResourceUnavailable, "cannot create directory %s: %v", path, err)
	}
	release := func() error { return nil }
	if !keep {
		release = func() error { return os.RemoveAll(path) }
	}
	return s.Track(ResourceDir, path, release), nil
}

// LoopDevice attaches image to a free loop device with partition scanning
// and registers the detach. The returned handle is the /dev/loopN path.
func (s *ResourceScope) LoopDevice(ctx context.Context, image string) (*ManagedResource, *ErrorContext) {
	dev, ec := s.exec.Output(ctx, Command{
		Program: "losetup",
		Args:    []string{"--find", "--show", "--partscan", image},
	})
	if ec != nil {
		return nil, Errorf(ResourceUnavailable, "failed to attach loop device for %s: %s", image, ec.Message)
	}
	if !strings.HasPrefix(dev, "/dev/loop") {
		return nil, Errorf(ResourceUnavailable, "unexpected losetup output %q", dev)
	}
	s.log.Infof("", "attached %s to %s", image, dev)
	return s.Track(ResourceLoopDevice, dev, func() error {
		return s.exec.Run(context.Background(), Command{
			Program: "losetup", Args: []string{"-d", dev},
		}, false).orNil()
	}), nil
}

// Mount mounts device at target and registers the unmount. Extra mount
// options go in opts, e.g. []string{"-o", "bind"}.
func (s *ResourceScope) Mount(ctx context.Context, device, target string, opts ...string) (*ManagedResource, *ErrorContext) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, Errorf(ResourceUnavailable, "cannot create mountpoint %s: %v", target, err)
	}
	args := append(append([]string{}, opts...), device, target)
	if ec := s.exec.Run(ctx, Command{Program: "mount", Args: args}, false); ec != nil {
		return nil, Errorf(ResourceUnavailable, "failed to mount %s on %s: %s", device, target, ec.Message)
	}
	s.log.Debugf("", "mounted %s on %s", device, target)
	return s.Track(ResourceMount, target, func() error {
		ec := s.exec.Run(context.Background(), Command{
			Program: "umount", Args: []string{target},
		}, false)
		if ec != nil {
			// A busy mount gets one lazy fallback before we give up.
			return s.exec.Run(context.Background(), Command{
				Program: "umount", Args: []string{"-l", target},
			}, false).orNil()
		}
		return nil
	}), nil
}

// ReleaseAll tears every tracked resource down in reverse order. Teardown
// continues past individual failures and the result aggregates them all.
func (s *ResourceScope) ReleaseAll() *ErrorContext {
	var failures []string
	for i := len(s.resources) - 1; i >= 0; i-- {
		r := s.resources[i]
		if r.released {
			continue
		}
		if s.log != nil {
			s.log.Debugf("", "releasing %s %s", r.Kind, r.Handle)
		}
		if err := r.Release(); err != nil {
			failures = append(failures, fmt.Sprintf("%s %s: %v", r.Kind, r.Handle, err))
			if s.log != nil {
				s.log.Errorf("", "failed to release %s %s: %v", r.Kind, r.Handle, err)
			}
		}
	}
	s.resources = s.resources[:0]
	if len(failures) > 0 {
		return Errorf(ResourceUnavailable, "teardown left %d resource(s) behind: %s",
			len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// Len reports how many resources the scope currently tracks.
func (s *ResourceScope) Len() int { return len(s.resources) }

// orNil converts an *ErrorContext into a plain error for release funcs.
func (e *ErrorContext) orNil() error {
	if e == nil {
		return nil
	}
	return e
}
