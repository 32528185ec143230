// Package audit keeps a JSONL journal of instrument operations.
//
// Every verb the dispatcher runs is appended with its session, resource,
// parameters, outcome, error code and latency. Files rotate through
// lumberjack and are never rewritten.
package audit
