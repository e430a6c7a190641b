package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	exportDirPrefix = "DriveClonr - "
	exportDirLayout = "2006-01-02 15-04-05"
	stateDirName    = ".driveclonr"
	ledgerFileName  = "ledger.db"
	pidFileName     = "export.pid"
	pauseFileName   = "pause"
	tempDirName     = "tmp"
)

// errNoExport is returned when no ledger can be found to act on.
var errNoExport = errors.New("no export found")

// jobPaths locates the files of one export. The export directory holds the
// exported tree plus a hidden state directory with the ledger, the PID file,
// the pause marker and in-flight downloads.
type jobPaths struct {
	Root     string
	StateDir string
	Ledger   string
	PIDFile  string
	Pause    string
	TempDir  string
}

func newJobPaths(root string) jobPaths {
	state := filepath.Join(root, stateDirName)

	return jobPaths{
		Root:     root,
		StateDir: state,
		Ledger:   filepath.Join(state, ledgerFileName),
		PIDFile:  filepath.Join(state, pidFileName),
		Pause:    filepath.Join(state, pauseFileName),
		TempDir:  filepath.Join(state, tempDirName),
	}
}

// exportDirName is the timestamped directory a new export writes into.
func exportDirName(t time.Time) string {
	return exportDirPrefix + t.Format(exportDirLayout)
}

// newExportDir picks a fresh export directory under outputDir, adding a
// numeric suffix if one with the same timestamp already exists.
func newExportDir(outputDir string, now time.Time) (jobPaths, error) {
	base := filepath.Join(outputDir, exportDirName(now))
	candidate := base

	for i := 2; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			break
		}

		if err != nil {
			return jobPaths{}, fmt.Errorf("checking export directory: %w", err)
		}

		candidate = fmt.Sprintf("%s (%d)", base, i)
	}

	p := newJobPaths(candidate)
	if err := os.MkdirAll(p.StateDir, pidDirPermissions); err != nil {
		return jobPaths{}, fmt.Errorf("creating export directory: %w", err)
	}

	return p, nil
}

// jobPathsForLedger derives the layout from a ledger path given with
// --ledger. A path to the export directory itself is accepted too.
func jobPathsForLedger(ledger string) (jobPaths, error) {
	info, err := os.Stat(ledger)
	if err != nil {
		return jobPaths{}, fmt.Errorf("%w at %s: %w", errNoExport, ledger, err)
	}

	if info.IsDir() {
		p := newJobPaths(ledger)
		if _, err := os.Stat(p.Ledger); err != nil {
			return jobPaths{}, fmt.Errorf("%w: %s has no ledger", errNoExport, ledger)
		}

		return p, nil
	}

	stateDir := filepath.Dir(ledger)

	p := newJobPaths(filepath.Dir(stateDir))
	p.Ledger = ledger

	return p, nil
}

// latestExport returns the newest export directory under outputDir that
// has a ledger.
func latestExport(outputDir string) (jobPaths, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, exportDirPrefix+"*"))
	if err != nil {
		return jobPaths{}, fmt.Errorf("searching %s: %w", outputDir, err)
	}

	// The timestamp layout sorts lexically; a " (N)" suffix sorts after its
	// base name.
	slices.SortFunc(matches, func(a, b string) int {
		return strings.Compare(b, a)
	})

	for _, m := range matches {
		p := newJobPaths(m)
		if _, err := os.Stat(p.Ledger); err == nil {
			return p, nil
		}
	}

	return jobPaths{}, fmt.Errorf("%w under %s (run start first)", errNoExport, outputDir)
}

// selectExport resolves --ledger, falling back to the newest export under
// the configured output directory.
func selectExport(ledgerFlag, outputDir string) (jobPaths, error) {
	if ledgerFlag != "" {
		return jobPathsForLedger(ledgerFlag)
	}

	return latestExport(outputDir)
}
