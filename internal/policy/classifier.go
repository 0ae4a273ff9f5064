package policy

import (
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Classifier classifies shell commands by operation type and location.
type Classifier struct {
	workDir string
}

// NewClassifier creates a classifier rooted at workDir.
func NewClassifier(workDir string) *Classifier {
	return &Classifier{workDir: workDir}
}

var readCommands = []string{
	"cat ", "head ", "tail ", "less ", "more ",
	"ls", "ll ", "dir ", "tree ",
	"grep ", "rg ", "ag ", "find ", "fd ", "which ", "whereis ", "locate ",
	"pwd", "whoami", "date", "uname ", "df ", "du ", "free ", "top", "ps ",
	"env", "printenv", "echo $",
	"node --version", "npm --version", "cargo --version", "python --version",
	"java --version", "rustc --version",
	"git status", "git log", "git diff", "git branch", "git show",
	"git ls-files", "git rev-parse",
	"npm list", "npm ls", "pip list", "pip show", "cargo search", "cargo tree",
}

var writePatterns = []string{
	" > ", " >> ",
	"touch ", "mkdir ", "sed -i", "chmod ", "chown ", "chgrp ",
	"npm install", "npm i ", "pip install", "cargo build", "cargo install",
	"make ", "mvn ",
	"git add", "git commit", "git push", "git pull", "git merge",
	"git rebase", "git cherry-pick", "git stash apply", "git checkout",
	"cp ", "mv ", "rsync ",
}

var deletePatterns = []string{
	"rm ", "rmdir ", "unlink ",
	"git clean", "git reset --hard",
	"npm uninstall", "pip uninstall", "cargo uninstall",
}

func isReadCommand(cmd string) bool {
	for _, prefix := range readCommands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func isWriteCommand(cmd string) bool {
	for _, p := range writePatterns {
		if strings.Contains(cmd, p) {
			return true
		}
	}
	return false
}

func isDeleteCommand(cmd string) bool {
	for _, p := range deletePatterns {
		if strings.HasPrefix(cmd, p) {
			return true
		}
	}
	return false
}

// Classify classifies a single (non-compound) shell command.
func (c *Classifier) Classify(command string) Classification {
	cmd := strings.TrimSpace(command)

	if isDeleteCommand(cmd) {
		inWorkdir := c.pathsInWorkdir(cmd)
		risk := RiskDangerous
		if inWorkdir {
			risk = RiskModerate
		}
		return Classification{ClassificationID: "shell-rm", Operation: OpDelete, InWorkdir: inWorkdir, RiskLevel: risk}
	}

	if isWriteCommand(cmd) {
		inWorkdir := c.pathsInWorkdir(cmd)
		risk := RiskDangerous
		if inWorkdir {
			risk = RiskModerate
		}
		return Classification{ClassificationID: "shell-write", Operation: OpWrite, InWorkdir: inWorkdir, RiskLevel: risk}
	}

	if isReadCommand(cmd) {
		inWorkdir := c.pathsInWorkdir(cmd)
		return Classification{ClassificationID: "shell-read", Operation: OpRead, InWorkdir: inWorkdir, RiskLevel: RiskSafe}
	}

	// Unknown command: treat as dangerous write outside workdir.
	return Classification{ClassificationID: "shell-write", Operation: OpExecute, InWorkdir: false, RiskLevel: RiskDangerous}
}

func (c *Classifier) pathsInWorkdir(cmd string) bool {
	paths := extractPathLikeTokens(cmd)
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if !c.isPathInWorkdir(p) {
			return false
		}
	}
	return true
}

func extractPathLikeTokens(cmd string) []string {
	var paths []string
	for _, part := range strings.Fields(cmd) {
		if strings.HasPrefix(part, "-") {
			continue
		}
		if strings.Contains(part, "/") || strings.Contains(part, ".") {
			paths = append(paths, strings.Trim(part, `"'`))
		}
	}
	return paths
}

func (c *Classifier) isPathInWorkdir(pathStr string) bool {
	if strings.HasPrefix(pathStr, "/") {
		canonicalPath, err := filepath.EvalSymlinks(pathStr)
		if err != nil {
			return false
		}
		canonicalWorkdir, err := filepath.EvalSymlinks(c.workDir)
		if err != nil {
			return false
		}
		rel, err := filepath.Rel(canonicalWorkdir, canonicalPath)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}

	if strings.Contains(pathStr, "..") {
		full := filepath.Join(c.workDir, pathStr)
		canonical, err := filepath.EvalSymlinks(full)
		if err != nil {
			if _, statErr := os.Stat(full); statErr != nil {
				return false
			}
			canonical = filepath.Clean(full)
		}
		canonicalWorkdir, err := filepath.EvalSymlinks(c.workDir)
		if err != nil {
			canonicalWorkdir = filepath.Clean(c.workDir)
		}
		rel, err := filepath.Rel(canonicalWorkdir, canonical)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}

	return true
}

// CommandSegment is one part of a compound command.
type CommandSegment struct {
	Command   string
	Separator string // "&&", "||", ";", "|", or "" for the last/only segment
}

// ParseCompound splits a compound command on &&, ||, ;, and | with
// quote-awareness, using the same bash AST parser the approval gate uses to
// extract command names.
func (c *Classifier) ParseCompound(command string) []CommandSegment {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return []CommandSegment{{Command: strings.TrimSpace(command)}}
	}

	var segments []CommandSegment
	for _, stmt := range file.Stmts {
		walkBinaryCmd(stmt, "", &segments)
	}
	if len(segments) == 0 {
		return []CommandSegment{{Command: strings.TrimSpace(command)}}
	}
	return segments
}

func walkBinaryCmd(stmt *syntax.Stmt, _ string, out *[]CommandSegment) {
	switch n := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		walkBinaryCmd(n.X, "", out)
		sep := binarySepString(n.Op)
		*out = append(*out, CommandSegment{Command: printStmt(n.Y), Separator: sep})
		return
	default:
		*out = append(*out, CommandSegment{Command: printStmt(stmt)})
	}
}

func binarySepString(op syntax.BinCmdOperator) string {
	switch op {
	case syntax.AndStmt:
		return "&&"
	case syntax.OrStmt:
		return "||"
	case syntax.Pipe, syntax.PipeAll:
		return "|"
	default:
		return ""
	}
}

func printStmt(stmt *syntax.Stmt) string {
	var sb strings.Builder
	printer := syntax.NewPrinter()
	_ = printer.Print(&sb, stmt)
	return strings.TrimSpace(sb.String())
}

// ClassifyCompound classifies a (possibly compound) command, returning the
// highest-risk classification among its segments.
func (c *Classifier) ClassifyCompound(command string) Classification {
	segments := c.ParseCompound(command)
	if len(segments) == 0 {
		return c.Classify(command)
	}
	classifications := make([]Classification, 0, len(segments))
	for _, seg := range segments {
		classifications = append(classifications, c.Classify(seg.Command))
	}
	return highestRisk(classifications)
}
