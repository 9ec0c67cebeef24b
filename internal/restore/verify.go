package restore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ValXp/btrfs-to-s3/internal/logger"
	"github.com/ValXp/btrfs-to-s3/internal/procutil"
	"github.com/ValXp/btrfs-to-s3/pkg/metrics"
)

// Runner executes the external btrfs CLI. Production code shells out; tests
// supply an in-process fake.
type Runner func(args []string) (stdout string, err error)

var defaultRunner Runner = func(args []string) (string, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "PATH="+procutil.EnsureSbinOnPath(os.Getenv("PATH")))
	out, err := cmd.Output()
	return string(out), err
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// VerifyRestore runs metadata verification (always, unless mode is "none")
// followed by content verification when a live source snapshot is present.
// A missing source is not an error: a warning is logged and verification
// degrades to metadata-only.
func VerifyRestore(m *metrics.Metrics, source, target, mode string, sampleMaxFiles int) error {
	return verifyRestoreWithRunner(m, defaultRunner, source, target, mode, sampleMaxFiles)
}

func verifyRestoreWithRunner(m *metrics.Metrics, runner Runner, source, target, mode string, sampleMaxFiles int) error {
	if mode == "none" {
		return nil
	}
	if err := verifyMetadata(runner, target); err != nil {
		m.RecordVerifyFailure("metadata")
		return err
	}
	if source == "" {
		return nil
	}
	if _, err := os.Stat(source); err != nil {
		logger.Warn("source snapshot missing, content verification skipped",
			logger.Event("restore_verify_source_missing"), logger.Err(err))
		return nil
	}
	if err := verifyContent(source, target, mode, sampleMaxFiles); err != nil {
		m.RecordVerifyFailure("content")
		return err
	}
	return nil
}

// verifyMetadata confirms target is a writable directory that btrfs
// recognizes as a subvolume with a valid UUID.
func verifyMetadata(runner Runner, target string) error {
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return newError("restore target is not a directory: %s", target)
	}
	// A plain writability probe: attempt and remove a temp file.
	probe := filepath.Join(target, ".restore-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return newError("restore target is not writable: %s", target)
	}
	f.Close()
	os.Remove(probe)

	out, err := runner([]string{"btrfs", "subvolume", "show", target})
	if err != nil {
		return newError("btrfs subvolume show failed for %s: %v", target, err)
	}
	if parseSubvolumeUUID(out) == "" {
		return newError("restore target has no valid UUID")
	}
	return nil
}

func parseSubvolumeUUID(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		lowered := strings.ToLower(line)
		if strings.HasPrefix(lowered, "uuid:") {
			value := strings.TrimSpace(line[len("uuid:"):])
			if uuidPattern.MatchString(value) {
				return value
			}
			return ""
		}
	}
	return ""
}

// verifyContent compares a live source snapshot against the restored
// target: directory and file listings must match exactly, entry types and
// symlink targets must agree, and regular file content is hashed per mode
// ("full" checks every file, "sample" checks up to sampleMaxFiles).
func verifyContent(source, target, mode string, sampleMaxFiles int) error {
	sourceDirs, sourceFiles, err := collectEntries(source)
	if err != nil {
		return err
	}
	targetDirs, targetFiles, err := collectEntries(target)
	if err != nil {
		return err
	}

	if msg := checkMissingExtra(sourceDirs, targetDirs, "directory"); msg != "" {
		return newError("%s", msg)
	}
	if msg := checkMissingExtra(sourceFiles, targetFiles, "file"); msg != "" {
		return newError("%s", msg)
	}

	for _, rel := range sourceFiles {
		sourcePath := filepath.Join(source, rel)
		targetPath := filepath.Join(target, rel)
		sourceType := entryType(sourcePath)
		targetType := entryType(targetPath)
		if sourceType != targetType {
			return newError("type mismatch for %s", rel)
		}
		if sourceType == "symlink" {
			sourceLink, err := os.Readlink(sourcePath)
			if err != nil {
				return err
			}
			targetLink, err := os.Readlink(targetPath)
			if err != nil {
				return err
			}
			if sourceLink != targetLink {
				return newError("symlink mismatch for %s", rel)
			}
		}
	}

	var regularFiles []string
	for _, rel := range sourceFiles {
		if entryType(filepath.Join(source, rel)) == "file" {
			regularFiles = append(regularFiles, rel)
		}
	}

	var filesToCheck []string
	switch mode {
	case "full":
		filesToCheck = regularFiles
	case "sample":
		filesToCheck = selectSample(regularFiles, sampleMaxFiles)
	default:
		return newError("unknown verify mode: %s", mode)
	}

	for _, rel := range filesToCheck {
		sourcePath := filepath.Join(source, rel)
		targetPath := filepath.Join(target, rel)
		sourceInfo, err := os.Stat(sourcePath)
		if err != nil {
			return err
		}
		targetInfo, err := os.Stat(targetPath)
		if err != nil {
			return err
		}
		if sourceInfo.Size() != targetInfo.Size() {
			return newError("size mismatch for %s", rel)
		}
		sourceHash, err := hashFile(sourcePath)
		if err != nil {
			return err
		}
		targetHash, err := hashFile(targetPath)
		if err != nil {
			return err
		}
		if sourceHash != targetHash {
			return newError("hash mismatch for %s", rel)
		}
	}
	return nil
}

// collectEntries walks base and returns relative directory paths and
// relative file paths (regular files plus symlinks, which are tracked as
// "files" for comparison purposes), both sorted.
func collectEntries(base string) (dirs, files []string, err error) {
	dirSet := map[string]bool{}
	fileSet := map[string]bool{}
	err = filepath.Walk(base, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == base {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		if info.Mode()&os.ModeSymlink != 0 {
			fileSet[rel] = true
			return nil
		}
		if info.IsDir() {
			dirSet[rel] = true
			return nil
		}
		fileSet[rel] = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	for f := range fileSet {
		files = append(files, f)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, nil
}

func checkMissingExtra(source, target []string, label string) string {
	sourceSet := make(map[string]bool, len(source))
	for _, s := range source {
		sourceSet[s] = true
	}
	targetSet := make(map[string]bool, len(target))
	for _, t := range target {
		targetSet[t] = true
	}
	for _, s := range source {
		if !targetSet[s] {
			return "missing " + label + ": " + s
		}
	}
	for _, t := range target {
		if !sourceSet[t] {
			return "extra " + label + ": " + t
		}
	}
	return ""
}

func entryType(path string) string {
	info, err := os.Lstat(path)
	if err != nil {
		return "missing"
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case info.Mode().IsRegular():
		return "file"
	case info.IsDir():
		return "dir"
	default:
		return "other"
	}
}

func selectSample(paths []string, sampleMaxFiles int) []string {
	if sampleMaxFiles <= 0 {
		return nil
	}
	ordered := append([]string(nil), paths...)
	sort.Strings(ordered)
	if len(ordered) <= sampleMaxFiles {
		return ordered
	}
	return ordered[:sampleMaxFiles]
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
