package e2factory

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// TarType deduces the archive flavour from a file name suffix. These are
// the only types the privileged helper extracts.
func TarType(name string) (string, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "tar.gz", nil
	case strings.HasSuffix(name, ".tar.bz2"):
		return "tar.bz2", nil
	case strings.HasSuffix(name, ".tar.xz"):
		return "tar.xz", nil
	case strings.HasSuffix(name, ".tar"):
		return "tar", nil
	}
	return "", errors.Errorf("cannot deduce tar type of %q", name)
}

// TarDecompressFlag maps a tar type to the tar decompression flag ("" for
// plain tar).
func TarDecompressFlag(tartype string) (string, error) {
	switch tartype {
	case "tar":
		return "", nil
	case "tar.gz":
		return "-z", nil
	case "tar.bz2":
		return "-j", nil
	case "tar.xz":
		return "-J", nil
	}
	return "", errors.Errorf("unknown tar type %q", tartype)
}

// runTar executes the system tar with the given arguments.
func runTar(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tar", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "tar %s: %s", strings.Join(args, " "),
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// RunTar is runTar for other packages staging archives outside the
// privileged helper.
func RunTar(ctx context.Context, args ...string) (string, error) {
	return runTar(ctx, args...)
}
