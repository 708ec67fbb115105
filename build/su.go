package build

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Helper invokes the setuid e2-su binary. The helper exposes a fixed
// verb set; everything else runs unprivileged.
type Helper struct {
	path string
}

// NewHelper locates the privileged helper: $E2_SU or e2-su on PATH.
func NewHelper() *Helper {
	path := os.Getenv("E2_SU")
	if path == "" {
		path = "e2-su"
	}
	return &Helper{path: path}
}

// call runs the helper with the chroot umask enforced. The helper
// creates files that must end up with a stable mode, so the umask is set
// around every invocation and restored afterwards.
func (h *Helper) call(ctx context.Context, prefix []string, out io.Writer, args ...string) error {
	argv := append(append([]string{}, prefix...), h.path)
	argv = append(argv, args...)

	old := unix.Umask(0o022)
	defer unix.Umask(old)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		cmd.Stderr = &stderr
	}
	if err := cmd.Run(); err != nil {
		if out != nil {
			return errors.Wrapf(err, "%s", strings.Join(argv, " "))
		}
		return errors.Wrapf(err, "%s: %s", strings.Join(argv, " "),
			strings.TrimSpace(stderr.String()))
	}
	return nil
}

// SetPermissions applies the sandbox ownership/mode policy to base.
func (h *Helper) SetPermissions(ctx context.Context, base string) error {
	return h.call(ctx, nil, nil, "set_permissions", base)
}

// ExtractTar unpacks an archive of the given type into base's chroot.
func (h *Helper) ExtractTar(ctx context.Context, base, tartype, path string) error {
	return h.call(ctx, nil, nil, "extract_tar", base, tartype, path)
}

// Chroot executes argv inside base's chroot, streaming combined output
// to out when non-nil.
func (h *Helper) Chroot(ctx context.Context, base string, prefix []string, out io.Writer, argv ...string) error {
	args := append([]string{"chroot", base}, argv...)
	return h.call(ctx, prefix, out, args...)
}

// RemoveChroot tears down base's chroot tree.
func (h *Helper) RemoveChroot(ctx context.Context, base string) error {
	return h.call(ctx, nil, nil, "remove_chroot", base)
}
