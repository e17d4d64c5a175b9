package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	readFileMaxChars = 100_000
	shellTimeout     = 60 * time.Second
)

// RegisterFilesystemTools adds read_file, write_file, and list_dir.
// Relative paths resolve against workspace; absolute paths are allowed
// so spilled-artifact pointers keep working.
func RegisterFilesystemTools(r *Registry, workspace string) error {
	resolve := func(path string) string {
		if filepath.IsAbs(path) {
			return filepath.Clean(path)
		}
		return filepath.Join(workspace, path)
	}

	readFile := &Descriptor{
		Name:        "read_file",
		Description: "Read a text file. Use offset to continue reading a large file from a character position.",
		Parameters: ObjectSchema(map[string]interface{}{
			"path":   Prop("string", "File path (absolute or workspace-relative)"),
			"offset": Prop("integer", "Character offset to start reading from (default 0)"),
		}, "path"),
		Parallel: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			path := resolve(args["path"].(string))
			data, err := os.ReadFile(path)
			if err != nil {
				return ErrorResult(fmt.Sprintf("read_file: %v", err)), nil
			}

			offset := 0
			if v, ok := args["offset"].(int); ok {
				offset = v
			}
			if offset < 0 || offset > len(data) {
				return ErrorResult(fmt.Sprintf("read_file: offset %d out of range (file is %d chars)", offset, len(data))), nil
			}

			chunk := string(data[offset:])
			if len(chunk) > readFileMaxChars {
				next := offset + readFileMaxChars
				chunk = chunk[:readFileMaxChars] +
					fmt.Sprintf("\n\n[File continues: call read_file with {\"path\": %q, \"offset\": %d}]", path, next)
			}
			return NewResult(chunk), nil
		},
	}

	writeFile := &Descriptor{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Parameters: ObjectSchema(map[string]interface{}{
			"path":    Prop("string", "File path (absolute or workspace-relative)"),
			"content": Prop("string", "Full file content to write"),
		}, "path", "content"),
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			path := resolve(args["path"].(string))
			content := args["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return ErrorResult(fmt.Sprintf("write_file: %v", err)), nil
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return ErrorResult(fmt.Sprintf("write_file: %v", err)), nil
			}
			return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
		},
	}

	listDir := &Descriptor{
		Name:        "list_dir",
		Description: "List entries of a directory.",
		Parameters: ObjectSchema(map[string]interface{}{
			"path": Prop("string", "Directory path (default: workspace root)"),
		}),
		Parallel: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			path := workspace
			if p, ok := args["path"].(string); ok && p != "" {
				path = resolve(p)
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return ErrorResult(fmt.Sprintf("list_dir: %v", err)), nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return NewResult(strings.Join(names, "\n")), nil
		},
	}

	for _, d := range []*Descriptor{readFile, writeFile, listDir} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterShellTool adds a bash tool bounded by a timeout, running in
// the workspace directory.
func RegisterShellTool(r *Registry, workspace string) error {
	return r.Register(&Descriptor{
		Name:        "bash",
		Description: "Run a shell command in the workspace. Output is combined stdout+stderr.",
		Parameters: ObjectSchema(map[string]interface{}{
			"command": Prop("string", "Shell command to run"),
		}, "command"),
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			command := args["command"].(string)

			cctx, cancelFn := context.WithTimeout(ctx, shellTimeout)
			defer cancelFn()

			cmd := exec.CommandContext(cctx, "bash", "-c", command)
			cmd.Dir = workspace
			out, err := cmd.CombinedOutput()
			if cctx.Err() == context.DeadlineExceeded {
				return ErrorResult(fmt.Sprintf("bash: command timed out after %s", shellTimeout)), nil
			}
			if err != nil {
				return ErrorResult(fmt.Sprintf("bash: %v\n%s", err, out)), nil
			}
			if len(out) == 0 {
				return NewResult("(no output)"), nil
			}
			return NewResult(string(out)), nil
		},
	})
}
