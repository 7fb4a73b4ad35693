package mcpserver

// NoteFormat describes how quire derives note metadata, so LLM consumers
// write notes that list and search well.
const NoteFormat = `# Quire Note Format

Notes are plain text files inside the open folder.

## Files

- Extensions: .md, .markdown, .txt, .text, .org
- Paths are relative to the folder and use forward slashes.
- Hidden files and directories, and dependency or build directories
  (node_modules, .git, vendor, build output), are never indexed.

## Title

The title is taken from the first 512 bytes of the file, in this order:

1. A ` + "`title:`" + ` key in a leading YAML frontmatter block.
2. An org-mode ` + "`#+TITLE:`" + ` keyword.
3. The first non-empty line, with Markdown or org heading markers stripped.

Put the title on the first line; text past the first 512 bytes is never
used for it.

## Preview

The first 2048 bytes, minus any frontmatter, are shown as the preview and
are searchable alongside the title and path.

## Saving

Writes are atomic. A failed save blocks the note until it is retried,
saved elsewhere, or abandoned; nothing is retried silently.
`
