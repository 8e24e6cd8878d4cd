package translator

import (
	"fmt"
	"strings"

	"github.com/kination/helmsman/internal/failure"
)

// PromptBuilder builds the regeneration instruction sent after a failure.
type PromptBuilder interface {
	ReparsePrompt(failedTask string, err *failure.ExecutionError) string
}

// ScopedPromptBuilder also tells the translator which bindings the
// replacement may reference.
type ScopedPromptBuilder interface {
	PromptBuilder
	ScopedReparsePrompt(failedTask string, err *failure.ExecutionError, bindings []string) string
}

// DefaultInstruction opens every reparse prompt unless overridden
const DefaultInstruction = "The task below failed during execution. Rewrite it as a new task " +
	"document that avoids the failure: either a simpler atomic task or a decomposition " +
	"into smaller subtasks."

// DocumentSchema describes the expected output format
const DocumentSchema = `type: atomic | map | reduce | sequence   # default atomic
description: <instruction>                # required
parameters:                               # optional, ordered
  <name>: <value>
subtasks:                                 # required unless atomic
  - <task document>`

// DefaultPromptBuilder renders prompts as labelled sections.
type DefaultPromptBuilder struct {
	Instruction string
	Schema      string
}

// ReparsePrompt embeds the failed task and the failure context
func (b DefaultPromptBuilder) ReparsePrompt(failedTask string, err *failure.ExecutionError) string {
	return b.ScopedReparsePrompt(failedTask, err, nil)
}

// ScopedReparsePrompt is ReparsePrompt plus a BINDINGS section naming the
// variables visible to the failed task
func (b DefaultPromptBuilder) ScopedReparsePrompt(failedTask string, err *failure.ExecutionError, bindings []string) string {
	instruction := strings.TrimSpace(b.Instruction)
	if instruction == "" {
		instruction = DefaultInstruction
	}
	schema := b.Schema
	if schema == "" {
		schema = DocumentSchema
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", instruction)
	fmt.Fprintf(&sb, "FAILED TASK:\n%s\n\n", indentBlock(failedTask, 2))
	if err != nil {
		fmt.Fprintf(&sb, "ERROR TYPE:\n  %s\n\n", err.Kind)
		if details := strings.TrimSpace(err.Details); details != "" {
			fmt.Fprintf(&sb, "ERROR DETAILS:\n%s\n\n", indentBlock(details, 2))
		}
	}
	if len(bindings) > 0 {
		fmt.Fprintf(&sb, "BINDINGS:\n%s\n\n", indentBlock(strings.Join(bindings, "\n"), 2))
	}
	fmt.Fprintf(&sb, "OUTPUT FORMAT:\n%s\n", indentBlock(schema, 2))
	return sb.String()
}

func indentBlock(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = pad + line
	}
	return strings.Join(lines, "\n")
}
