// Package backend contains the adapter registry and the pieces shared by the
// concrete adapters: the subprocess runner used by the CLI adapters, the
// transcripts, price tables and prompt rendering used by the API adapters, and
// a scripted Mock for tests.
//
// Concrete adapters live in subpackages:
//
//	backend/claudecli  Claude Code CLI (stream-json, permission gating)
//	backend/codexcli   Codex CLI (exec --json)
//	backend/anthropic  Anthropic Messages API
//	backend/openai     OpenAI Chat Completions API
package backend
