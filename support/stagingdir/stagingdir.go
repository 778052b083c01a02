// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package stagingdir stages output files in a temporary directory until they
// are complete.
package stagingdir

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// D manages a staging directory.
//
// While D is active, it resides in a temporary location. Once finished, its
// files can be committed into their destination; on Destroy, the directory is
// deleted along with anything that was not committed.
type D struct {
	// tempDir is the directory that holds the staging directory.
	tempDir string

	// path is the path of the staging directory.
	path string
}

// New creates a new staging directory underneath of tempDir, creating tempDir
// if necessary.
//
// The directory will be created with the specified prefix.
func New(tempDir, prefix string) (*D, error) {
	if tempDir != "" {
		if err := os.MkdirAll(tempDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %q", tempDir)
		}
	}

	stagingPath, err := os.MkdirTemp(tempDir, prefix)
	if err != nil {
		return nil, err
	}

	return &D{
		tempDir: tempDir,
		path:    stagingPath,
	}, nil
}

// Path builds a path relative to the staging directory from the provided
// components.
func (sd *D) Path(first string, components ...string) string {
	if sd.path == "" {
		panic("invalid")
	}
	return filepath.Join(append([]string{sd.path, first}, components...)...)
}

// Destroy purges the staging directory and its contents.
func (sd *D) Destroy() error {
	if sd.path == "" {
		// There is nothing to destroy.
		return nil
	}

	if err := os.RemoveAll(sd.path); err != nil {
		return err
	}

	sd.path = "" // Destroyed.
	return nil
}

// CommitFile moves the staged file name to dest, creating dest's parent
// directories. An existing file at dest is replaced.
//
// The rename is atomic when the staging directory and dest share a
// filesystem, which is why staging directories are created beneath the
// output directory.
func (sd *D) CommitFile(name, dest string) error {
	if sd.path == "" {
		return errors.New("invalid staging directory")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "creating parent of %q", dest)
	}

	src := sd.Path(name)
	if err := os.Rename(src, dest); err != nil {
		return errors.Wrapf(err, "moving staged file into place (%q => %q)", src, dest)
	}
	return nil
}
