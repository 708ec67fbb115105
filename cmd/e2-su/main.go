// e2-su is the privileged helper: a small setuid binary exposing exactly
// four verbs (set_permissions, extract_tar, chroot, remove_chroot). Every
// argument is validated explicitly; the environment is never consulted.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/emlix/e2factory/build"
)

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "e2-su: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if os.Geteuid() != 0 {
		fail("not running with root privileges (setuid bit missing?)")
	}
	if len(os.Args) < 3 {
		fail("usage: e2-su {set_permissions|extract_tar|chroot|remove_chroot} <base> ...")
	}
	verb := os.Args[1]
	base := os.Args[2]
	if err := validateBase(base); err != nil {
		fail("%v", err)
	}
	chrootDir := filepath.Join(base, "chroot")

	switch verb {
	case "set_permissions":
		if len(os.Args) != 3 {
			fail("set_permissions takes exactly one argument")
		}
		doSetPermissions(base, chrootDir)
	case "extract_tar":
		if len(os.Args) != 5 {
			fail("usage: e2-su extract_tar <base> <tartype> <path>")
		}
		doExtractTar(chrootDir, os.Args[3], os.Args[4])
	case "chroot":
		if len(os.Args) < 4 {
			fail("usage: e2-su chroot <base> <argv...>")
		}
		doChroot(chrootDir, os.Args[3:])
	case "remove_chroot":
		if len(os.Args) != 3 {
			fail("remove_chroot takes exactly one argument")
		}
		if err := os.RemoveAll(chrootDir); err != nil {
			fail("remove_chroot: %v", err)
		}
	default:
		fail("unknown verb %q", verb)
	}
}

// validateBase refuses anything that is not a legitimate sandbox: the
// path must be absolute, live under the expected tmp prefix, carry the
// chroot marker and be owned by the invoking (real) user.
func validateBase(base string) error {
	if !filepath.IsAbs(base) || base != filepath.Clean(base) {
		return fmt.Errorf("base %q is not a clean absolute path", base)
	}
	prefix := build.TmpPrefix() + string(filepath.Separator)
	if !strings.HasPrefix(base, prefix) {
		return fmt.Errorf("base %q is outside %s", base, build.TmpPrefix())
	}
	var st unix.Stat_t
	if err := unix.Lstat(base, &st); err != nil {
		return fmt.Errorf("base %q: %v", base, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("base %q is not a directory", base)
	}
	if st.Uid != uint32(os.Getuid()) {
		return fmt.Errorf("base %q is not owned by the invoking user", base)
	}
	marker := filepath.Join(base, build.MarkerName)
	if _, err := os.Stat(marker); err != nil {
		return fmt.Errorf("base %q carries no chroot marker", base)
	}
	return nil
}

func doSetPermissions(base, chrootDir string) {
	if err := os.MkdirAll(chrootDir, 0o755); err != nil {
		fail("set_permissions: %v", err)
	}
	if err := os.Chown(chrootDir, 0, 0); err != nil {
		fail("set_permissions: %v", err)
	}
	if err := os.Chmod(chrootDir, 0o755); err != nil {
		fail("set_permissions: %v", err)
	}
}

func doExtractTar(chrootDir, tartype, path string) {
	var flag string
	switch tartype {
	case "tar":
	case "tar.gz":
		flag = "-z"
	case "tar.bz2":
		flag = "-j"
	case "tar.xz":
		flag = "-J"
	default:
		fail("extract_tar: unknown tar type %q", tartype)
	}
	if !filepath.IsAbs(path) {
		fail("extract_tar: %q is not an absolute path", path)
	}
	args := []string{"-x", "-C", chrootDir, "-f", path}
	if flag != "" {
		args = append(args, flag)
	}
	cmd := exec.Command("tar", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fail("extract_tar: %v", err)
	}
}

// helperPath is the fixed search path used inside the chroot. The
// helper never reads $PATH.
var helperPath = []string{"/usr/sbin", "/usr/bin", "/sbin", "/bin"}

func doChroot(chrootDir string, argv []string) {
	if err := unix.Chroot(chrootDir); err != nil {
		fail("chroot: %v", err)
	}
	if err := os.Chdir("/"); err != nil {
		fail("chroot: %v", err)
	}
	prog := argv[0]
	if !filepath.IsAbs(prog) {
		found := ""
		for _, dir := range helperPath {
			cand := filepath.Join(dir, prog)
			if fi, err := os.Stat(cand); err == nil && fi.Mode()&0o111 != 0 {
				found = cand
				break
			}
		}
		if found == "" {
			fail("chroot: %q not found in chroot", prog)
		}
		prog = found
	}
	env := []string{"PATH=" + strings.Join(helperPath, ":")}
	if err := syscall.Exec(prog, argv, env); err != nil {
		fail("chroot: exec %s: %v", prog, err)
	}
}
