// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package delivery computes per-job deliverable directories, writes
// artifacts atomically, and builds the structured deliverable values
// that reference them.
package delivery

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Standard artifact names inside a job directory.
const (
	SnapshotFile = "JOB_SNAPSHOT.json"
	IntakeFile   = "INTAKE_REQUEST.md"
	ReportFile   = "REPORT.md"
)

// Deliverable statuses used in structured values.
const (
	StatusNeedsInfo = "needs_info"
	StatusWritten   = "written"
)

// FileRef identifies a written artifact by name, absolute path, and
// file:// URI.
type FileRef struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	URI      string `json:"uri"`
}

// ResolveRoot returns the deliverable root: the ACP_DELIVERY_ROOT
// override when set, otherwise the workspace default.
func ResolveRoot() string {
	if root := os.Getenv("ACP_DELIVERY_ROOT"); root != "" {
		return root
	}
	return DefaultRoot()
}

// DefaultRoot computes <workspace>/deliverables/acp-delivery.
func DefaultRoot() string {
	return filepath.Join(WorkspaceDir(), "deliverables", "acp-delivery")
}

// WorkspaceDir locates the workspace the runtime serves. When the
// process runs from a skills/<name> directory the workspace is two
// levels up; otherwise it is the working directory itself.
func WorkspaceDir() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	if filepath.Base(filepath.Dir(wd)) == "skills" {
		return filepath.Dir(filepath.Dir(wd))
	}
	return wd
}

// EnsureJobDir creates the delivery root and the per-job directory
// underneath it, returning both as absolute paths. An empty root means
// ResolveRoot().
func EnsureJobDir(root string, jobID int64) (string, string, error) {
	if root == "" {
		root = ResolveRoot()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve delivery root: %w", err)
	}
	jobDir := filepath.Join(absRoot, strconv.FormatInt(jobID, 10))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create job dir: %w", err)
	}
	return absRoot, jobDir, nil
}

// WriteTextFile writes a text artifact with a guaranteed trailing
// newline and returns its absolute path.
func WriteTextFile(jobDir, name, content string) (string, error) {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	path := filepath.Join(jobDir, name)
	if err := writeAtomic(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// WriteJSONFile writes obj as pretty-printed JSON and returns the
// absolute path.
func WriteJSONFile(jobDir, name string, obj any) (string, error) {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')
	path := filepath.Join(jobDir, name)
	if err := writeAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// MissingRequiredFields returns the keys that are absent from req, nil,
// or whitespace-only strings.
func MissingRequiredFields(req map[string]any, keys []string) []string {
	var missing []string
	for _, k := range keys {
		v, ok := req[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// BuildNeedsInfoValue constructs the structured deliverable for a job
// that cannot proceed without more buyer input. intakeFile must be one
// of filesWritten.
func BuildNeedsInfoValue(jobID int64, offering, jobDir string, missingFields, filesWritten []string, intakeFile string) map[string]any {
	v := baseValue(StatusNeedsInfo, jobID, offering, jobDir, filesWritten)
	p := filepath.Join(jobDir, intakeFile)
	v["missingFields"] = missingFields
	v["intakeFile"] = intakeFile
	v["intakePath"] = p
	v["intakeUri"] = fileURI(p)
	return v
}

// BuildWrittenValue constructs the structured deliverable for a
// completed job. reportFile must be one of filesWritten.
func BuildWrittenValue(jobID int64, offering, jobDir string, filesWritten []string, reportFile string) map[string]any {
	v := baseValue(StatusWritten, jobID, offering, jobDir, filesWritten)
	p := filepath.Join(jobDir, reportFile)
	v["reportFile"] = reportFile
	v["reportPath"] = p
	v["reportUri"] = fileURI(p)
	return v
}

func baseValue(status string, jobID int64, offering, jobDir string, filesWritten []string) map[string]any {
	refs := make([]FileRef, 0, len(filesWritten))
	for _, name := range filesWritten {
		p := filepath.Join(jobDir, name)
		refs = append(refs, FileRef{Filename: name, Path: p, URI: fileURI(p)})
	}
	return map[string]any{
		"status":       status,
		"jobId":        jobID,
		"offering":     offering,
		"localPath":    jobDir,
		"filesWritten": filesWritten,
		"fileRefs":     refs,
	}
}

func fileURI(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}

func writeAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
