package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
)

// DefaultProfile is used when a File store is created without a profile.
const DefaultProfile = "default"

// Profile holds the credentials of one profile in the token file.
type Profile struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// fileContents is the on-disk layout: profiles keyed by name so one file can
// hold a driver and an admin session side by side.
type fileContents struct {
	Profiles map[string]*Profile `json:"profiles"`
}

// File stores credentials for one profile in a JSON file. Writes merge with
// the other profiles in the file, are serialised across processes with a lock
// file, and replace the file atomically.
type File struct {
	path    string
	profile string
	logger  logr.Logger
}

// NewFile returns a store for profile in the file at path.
func NewFile(path, profile string, logger logr.Logger) *File {
	if profile == "" {
		profile = DefaultProfile
	}
	return &File{path: path, profile: profile, logger: logger}
}

// Path returns the token file location.
func (f *File) Path() string {
	return f.path
}

// Get returns the value stored under key for this profile.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	contents, err := f.read()
	if err != nil {
		return "", false, err
	}
	p, ok := contents.Profiles[f.profile]
	if !ok || p.Values == nil {
		return "", false, nil
	}
	v, ok := p.Values[key]
	return v, ok, nil
}

// Set stores value under key for this profile.
func (f *File) Set(_ context.Context, key, value string) error {
	return f.update(func(p *Profile) {
		p.Values[key] = value
	})
}

// Remove deletes key from this profile. Removing a missing key is not an error.
func (f *File) Remove(_ context.Context, key string) error {
	return f.update(func(p *Profile) {
		delete(p.Values, key)
	})
}

// read loads the file; a missing file reads as empty.
func (f *File) read() (*fileContents, error) {
	contents := &fileContents{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if err := json.Unmarshal(data, contents); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return contents, nil
}

func (f *File) update(mutate func(p *Profile)) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.logger.Error(releaseErr, "Failed to release lock", "path", f.path)
		}
	}()

	// Re-read under the lock so writes from other processes are kept.
	contents, err := f.read()
	if err != nil {
		// A corrupt file is replaced rather than blocking every future login.
		f.logger.Info("Discarding unreadable token file", "path", f.path, "error", err.Error())
		contents = &fileContents{}
	}
	if contents.Profiles == nil {
		contents.Profiles = make(map[string]*Profile)
	}

	p, ok := contents.Profiles[f.profile]
	if !ok {
		p = &Profile{}
		contents.Profiles[f.profile] = p
	}
	if p.Values == nil {
		p.Values = make(map[string]string)
	}
	mutate(p)
	p.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
